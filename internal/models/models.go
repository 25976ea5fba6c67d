package models

import "time"

type User struct {
	ID           int64     `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Grade        int       `db:"grade" json:"grade"` // 0 is kindergarten
	Theme        string    `db:"theme" json:"theme"`
	Language     string    `db:"language" json:"language"`
	IsSubscribed bool      `db:"is_subscribed" json:"is_subscribed"`
	IsBot        bool      `db:"is_bot" json:"is_bot"`
	IsAdmin      bool      `db:"is_admin" json:"is_admin"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type Lesson struct {
	ID        int64     `db:"id" json:"id"`
	Grade     int       `db:"grade" json:"grade"`
	Subject   string    `db:"subject" json:"subject"`
	Title     string    `db:"title" json:"title"`
	Content   string    `db:"content" json:"content"`
	UserID    *int64    `db:"user_id" json:"user_id,omitempty"` // nil for global lessons
	TraceWord *string   `db:"trace_word" json:"trace_word,omitempty"`
	Question  *string   `db:"question" json:"question,omitempty"`
	Options   *string   `db:"options" json:"-"` // JSON array
	Answer    *string   `db:"answer" json:"answer,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Completed bool      `db:"completed" json:"completed"`
}

type Quiz struct {
	ID        int64     `db:"id" json:"id"`
	Grade     int       `db:"grade" json:"grade"`
	Subject   string    `db:"subject" json:"subject"`
	Title     string    `db:"title" json:"title"`
	Questions string    `db:"questions" json:"-"` // JSON array
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type QuizResult struct {
	ID      int64     `db:"id" json:"id"`
	UserID  int64     `db:"user_id" json:"user_id"`
	QuizID  int64     `db:"quiz_id" json:"quiz_id"`
	Score   int       `db:"score" json:"score"`
	Total   int       `db:"total" json:"total"`
	TakenAt time.Time `db:"taken_at" json:"taken_at"`
}

type Post struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Author    string    `db:"author" json:"author"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Likes     int       `db:"likes" json:"likes"`
	Comments  int       `db:"comments" json:"comments"`
	Reposts   int       `db:"reposts" json:"reposts"`
	LikedByMe bool      `db:"liked_by_me" json:"liked_by_me"`
}

type Comment struct {
	ID        int64     `db:"id" json:"id"`
	PostID    int64     `db:"post_id" json:"post_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PointEvent is one entry of the append-only gamification ledger.
type PointEvent struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Currency  string    `db:"currency" json:"currency"`
	Delta     int       `db:"delta" json:"delta"`
	Reason    string    `db:"reason" json:"reason"`
	Ref       *string   `db:"ref" json:"ref,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Badge struct {
	Code        string `db:"code" json:"code"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	Currency    string `db:"currency" json:"currency"`
	Threshold   int    `db:"threshold" json:"threshold"`
}

type UserBadge struct {
	BadgeCode string    `db:"badge_code" json:"code"`
	Name      string    `db:"name" json:"name"`
	AwardedAt time.Time `db:"awarded_at" json:"awarded_at"`
}

const (
	CurrencyPoints    = "points"
	CurrencyStarCoins = "star_coins"
)
