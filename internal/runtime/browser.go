// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BrowserSessionRegistry tracks one opaque browser-session handle per
// conversation. The concrete browser-automation tool is out of scope; this
// registry only owns the handle's lifecycle (idle expiry) so a future tool
// can Get/Put against a stable, conversation-scoped slot without owning
// its own sweep logic. It satisfies tool.BrowserSessions.
type BrowserSessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*browserSession
	maxIdle  time.Duration
	log      *zap.Logger

	cron  *cron.Cron
	entry cron.EntryID
}

type browserSession struct {
	handle   any
	lastUsed time.Time
}

// NewBrowserSessionRegistry returns a registry that evicts sessions idle
// longer than maxIdle, checked once a minute via a cron job. Call Stop to
// release the cron goroutine.
func NewBrowserSessionRegistry(maxIdle time.Duration, log *zap.Logger) *BrowserSessionRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &BrowserSessionRegistry{
		sessions: make(map[string]*browserSession),
		maxIdle:  maxIdle,
		log:      log,
		cron:     cron.New(),
	}
	id, err := r.cron.AddFunc("@every 1m", r.sweep)
	if err != nil {
		log.Error("failed to schedule browser session sweep", zap.Error(err))
	} else {
		r.entry = id
	}
	r.cron.Start()
	return r
}

// Get implements tool.BrowserSessions.
func (r *BrowserSessionRegistry) Get(conversationID string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		return nil, false
	}
	s.lastUsed = time.Now()
	return s.handle, true
}

// Put registers or replaces the browser-session handle for a conversation.
func (r *BrowserSessionRegistry) Put(conversationID string, handle any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[conversationID] = &browserSession{handle: handle, lastUsed: time.Now()}
}

// Drop removes a conversation's browser-session handle, if any.
func (r *BrowserSessionRegistry) Drop(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conversationID)
}

func (r *BrowserSessionRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.maxIdle)
	for id, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(r.sessions, id)
			r.log.Debug("evicted idle browser session", zap.String("conversation_id", id))
		}
	}
}

// Stop halts the idle sweep.
func (r *BrowserSessionRegistry) Stop() {
	r.cron.Stop()
}
