package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// ErrMismatch is returned when a password does not match its stored hash.
var ErrMismatch = errors.New("password does not match")

// legacyPBKDF2Iterations is what werkzeug used when the method string carried no count.
const legacyPBKDF2Iterations = 260000

// Hasher hashes new credentials with bcrypt and verifies both bcrypt and the
// werkzeug pbkdf2/scrypt hashes written by earlier versions of the platform.
type Hasher struct {
	cost int
}

// NewHasher returns a bcrypt hasher. Out-of-range costs fall back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// RandomHash returns the hash of a random secret, for accounts nobody logs into.
func (h *Hasher) RandomHash() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return h.Hash(hex.EncodeToString(buf))
}

// Verify checks password against any recognised hash format.
func (h *Hasher) Verify(stored, password string) error {
	switch {
	case isBcrypt(stored):
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
			return ErrMismatch
		}
		return nil
	case strings.HasPrefix(stored, "pbkdf2:"), strings.HasPrefix(stored, "scrypt:"):
		ok, err := verifyWerkzeug(stored, password)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMismatch
		}
		return nil
	}
	return ErrMismatch
}

// NeedsRehash reports whether stored should be replaced by a fresh bcrypt hash
// after a successful login.
func (h *Hasher) NeedsRehash(stored string) bool {
	if !isBcrypt(stored) {
		return true
	}
	cost, err := bcrypt.Cost([]byte(stored))
	return err != nil || cost < h.cost
}

// IsRecognizedHash reports whether value is a credential hash this package can
// verify, as opposed to a legacy plaintext password.
func IsRecognizedHash(value string) bool {
	if isBcrypt(value) {
		return true
	}
	_, _, _, err := parseWerkzeug(value)
	return err == nil
}

func isBcrypt(value string) bool {
	if len(value) != 60 {
		return false
	}
	if !strings.HasPrefix(value, "$2a$") && !strings.HasPrefix(value, "$2b$") && !strings.HasPrefix(value, "$2y$") {
		return false
	}
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}

type werkzeugMethod struct {
	kind       string
	digest     func() hash.Hash
	iterations int
	n, r, p    int
}

// parseWerkzeug splits "method$salt$hexdigest".
func parseWerkzeug(value string) (werkzeugMethod, string, []byte, error) {
	parts := strings.Split(value, "$")
	if len(parts) != 3 || parts[1] == "" {
		return werkzeugMethod{}, "", nil, errors.New("not a werkzeug hash")
	}
	sum, err := hex.DecodeString(parts[2])
	if err != nil || len(sum) == 0 {
		return werkzeugMethod{}, "", nil, errors.New("werkzeug hash digest is not hex")
	}

	fields := strings.Split(parts[0], ":")
	switch fields[0] {
	case "pbkdf2":
		m := werkzeugMethod{kind: "pbkdf2", digest: sha256.New, iterations: legacyPBKDF2Iterations}
		if len(fields) > 1 {
			switch fields[1] {
			case "sha256":
			case "sha512":
				m.digest = sha512.New
			case "sha1":
				m.digest = sha1.New
			default:
				return werkzeugMethod{}, "", nil, errors.New("unsupported pbkdf2 digest " + fields[1])
			}
		}
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n <= 0 {
				return werkzeugMethod{}, "", nil, errors.New("invalid pbkdf2 iterations")
			}
			m.iterations = n
		}
		return m, parts[1], sum, nil
	case "scrypt":
		m := werkzeugMethod{kind: "scrypt", n: 1 << 15, r: 8, p: 1}
		if len(fields) == 4 {
			var errs [3]error
			m.n, errs[0] = strconv.Atoi(fields[1])
			m.r, errs[1] = strconv.Atoi(fields[2])
			m.p, errs[2] = strconv.Atoi(fields[3])
			if errors.Join(errs[:]...) != nil {
				return werkzeugMethod{}, "", nil, errors.New("invalid scrypt parameters")
			}
		} else if len(fields) != 1 {
			return werkzeugMethod{}, "", nil, errors.New("invalid scrypt method")
		}
		return m, parts[1], sum, nil
	}
	return werkzeugMethod{}, "", nil, errors.New("not a werkzeug hash")
}

func verifyWerkzeug(stored, password string) (bool, error) {
	m, salt, want, err := parseWerkzeug(stored)
	if err != nil {
		return false, err
	}
	var got []byte
	switch m.kind {
	case "pbkdf2":
		got = pbkdf2.Key([]byte(password), []byte(salt), m.iterations, len(want), m.digest)
	case "scrypt":
		got, err = scrypt.Key([]byte(password), []byte(salt), m.n, m.r, m.p, len(want))
		if err != nil {
			return false, err
		}
	}
	return hmac.Equal(got, want), nil
}
