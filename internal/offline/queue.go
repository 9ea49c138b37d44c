// Package offline persists REST requests issued while the backend is
// unreachable and replays them in order once connectivity returns. The
// queue outlives the process; a restart picks up where replay stopped.
package offline

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Request is one queued REST call. Timestamp is epoch milliseconds at
// enqueue time.
type Request struct {
	Url       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Doer executes a replayed request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Queue struct {
	db  *sql.DB
	log *log.Logger
}

func NewQueue(logger *log.Logger, path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	// one writer at a time keeps replay ordering trivial
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB,
			timestamp INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}

	return &Queue{db: db, log: logger}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends a request to the tail of the queue.
func (q *Queue) Enqueue(req Request) error {
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = q.db.Exec(
		"INSERT INTO queued_requests (url, method, headers, body, timestamp) VALUES (?, ?, ?, ?, ?)",
		req.Url, req.Method, string(headers), req.Body, req.Timestamp)
	if err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}

func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.QueryRow("SELECT COUNT(*) FROM queued_requests").Scan(&n)
	return n, err
}

// Drain replays queued requests oldest-first. A request is removed only
// after its replay completes without a transport error; a failed replay
// is re-inserted at the tail so one broken call cannot block the rest.
// Each Drain pass visits at most the entries present when it started.
func (q *Queue) Drain(ctx context.Context, doer Doer) error {
	n, err := q.Len()
	if err != nil {
		return fmt.Errorf("queue length: %w", err)
	}

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id, req, err := q.head()
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read queue head: %w", err)
		}

		if err := q.replay(ctx, doer, req); err != nil {
			q.log.Printf("replay %s %s failed: %v", req.Method, req.Url, err)
			if err := q.requeue(id, req); err != nil {
				return err
			}
			continue
		}

		if _, err := q.db.Exec("DELETE FROM queued_requests WHERE id = ?", id); err != nil {
			return fmt.Errorf("dequeue request: %w", err)
		}
	}
	return nil
}

func (q *Queue) head() (int64, Request, error) {
	var (
		id      int64
		req     Request
		headers string
	)
	err := q.db.QueryRow(
		"SELECT id, url, method, headers, body, timestamp FROM queued_requests ORDER BY id ASC LIMIT 1").
		Scan(&id, &req.Url, &req.Method, &headers, &req.Body, &req.Timestamp)
	if err != nil {
		return 0, Request{}, err
	}

	if err := json.Unmarshal([]byte(headers), &req.Headers); err != nil {
		return 0, Request{}, fmt.Errorf("unmarshal headers: %w", err)
	}
	return id, req, nil
}

// requeue moves a failed entry to the tail, keeping its original
// timestamp, and removes the head row it came from.
func (q *Queue) requeue(id int64, req Request) error {
	if err := q.Enqueue(req); err != nil {
		return err
	}
	if _, err := q.db.Exec("DELETE FROM queued_requests WHERE id = ?", id); err != nil {
		return fmt.Errorf("dequeue request: %w", err)
	}
	return nil
}

func (q *Queue) replay(ctx context.Context, doer Doer, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Url, bytes.NewReader(req.Body))
	if err != nil {
		return err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := doer.Do(httpReq)
	if err != nil {
		return err
	}
	// a server-side rejection still consumed the request; replaying it
	// again would not change the outcome
	resp.Body.Close()
	return nil
}

// IsNetworkError reports whether err looks like a transport failure,
// the condition under which callers enqueue instead of surfacing the
// error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
