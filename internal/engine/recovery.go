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

package engine

import "github.com/relaycore/engine/internal/message"

// ClassifyResume decides the state a conversation should resume in after a
// restart, given its message history in sequence order. The runtime
// manager runs it once per conversation, when it first starts that
// conversation's executor after process start and the persisted state is
// Idle; it is independent of the boot-time
// orphan-tool-use repair the persistence store performs, and the two
// commute.
//
//  1. Empty history, or the last message isn't a tool result -> Idle.
//  2. Last message is a tool result, but the latest agent message already
//     has a text block -> Idle (the agent had already committed a visible
//     response to the user).
//  3. Last message is a tool result and the latest agent message is
//     tool-uses only -> LlmRequesting{1}, so the executor immediately
//     issues a follow-up call to finish the interrupted turn.
//  4. Last message is a tool result with no preceding agent message at all
//     -> Idle, the safe default.
func ClassifyResume(history []message.Message) ResumeDecision {
	if len(history) == 0 {
		return ResumeIdle
	}
	last := history[len(history)-1]
	if last.Kind != message.KindTool {
		return ResumeIdle
	}

	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Kind != message.KindAgent || m.Content.Agent == nil {
			continue
		}
		if m.Content.Agent.HasText() {
			return ResumeIdle
		}
		return ResumeLlmRequesting
	}

	return ResumeIdle
}

// ResumeDecision is the outcome of ClassifyResume.
type ResumeDecision int

const (
	ResumeIdle ResumeDecision = iota
	ResumeLlmRequesting
)
