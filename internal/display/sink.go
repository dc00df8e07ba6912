// Package display defines where conversation messages are shown.
package display

import "sync"

// Sink shows one message. It is one-way: nothing is read back.
type Sink interface {
	Send(content, author, avatar string) error
}

type SinkFunc func(content, author, avatar string) error

func (f SinkFunc) Send(content, author, avatar string) error {
	return f(content, author, avatar)
}

type Entry struct {
	Content string
	Author  string
	Avatar  string
}

// Recorder keeps every message it is sent. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	Err     error
}

func (r *Recorder) Send(content, author, avatar string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Content: content, Author: author, Avatar: avatar})
	return r.Err
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}
