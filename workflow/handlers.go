// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"fmt"

	"agentgate/platform/gateway"
)

// maxKnowledgeChars bounds retrieved context before prompt inclusion.
const maxKnowledgeChars = 4000

const summaryFallback = "A summary could not be generated right now; the underlying account data is unaffected. Please retry later."

const outreachFallback = "Draft unavailable: the language model could not be reached. A human operator should compose this message."

// AccountSummary is the knowledge-grounded summary workflow: fetch bounded
// tenant context, ask a model to summarize it, and return the text. Runs
// without approval and sends nothing outbound.
func AccountSummary(e *Engine) Definition {
	return Definition{
		Name: "account-summary",
		Handler: func(ctx context.Context, wc *Context) (*Result, error) {
			query, _ := wc.Input["query"].(string)
			if query == "" {
				query = "account overview"
			}

			knowledge := e.RetrieveKnowledge(ctx, wc, query, maxKnowledgeChars)
			e.AuditStep(ctx, wc, "fetch-context", knowledge, true)

			prompt := fmt.Sprintf("Summarize the following account context for the question %q. Be factual and concise; do not invent data.\n\n%s", query, knowledge)
			if knowledge == "" {
				prompt = fmt.Sprintf("No account context is available. Briefly explain to the requester that the question %q cannot be answered from records.", query)
			}

			summary := e.SafeLLM(ctx, wc, gateway.Request{
				Route:   gateway.RouteReasoning,
				Purpose: "account-summary",
				Messages: []gateway.Message{
					{Role: "system", Content: "You are an internal account analyst. Answer only from the provided context."},
					{Role: "user", Content: prompt},
				},
			}, summaryFallback)
			e.AuditStep(ctx, wc, "summarize", summary, true)

			return &Result{
				OK:      true,
				Message: summary,
				Output: map[string]any{
					"summary": summary,
					"query":   query,
				},
			}, nil
		},
	}
}

// OutreachDraft is the human-gated outreach workflow: it drafts an
// outbound message but requires sign-off, so the engine parks the intent
// in AWAITING_HUMAN and the message is never queued from here.
func OutreachDraft(e *Engine) Definition {
	return Definition{
		Name:             "outreach-draft",
		RequiresApproval: true,
		Handler: func(ctx context.Context, wc *Context) (*Result, error) {
			recipient, _ := wc.Input["recipient"].(string)
			topic, _ := wc.Input["topic"].(string)
			if recipient == "" {
				return &Result{OK: false, Message: "outreach requires a recipient"}, nil
			}
			if topic == "" {
				topic = "a follow-up on your account"
			}

			knowledge := e.RetrieveKnowledge(ctx, wc, topic, maxKnowledgeChars)
			e.AuditStep(ctx, wc, "fetch-context", knowledge, true)

			prompt := fmt.Sprintf("Draft a short, professional outreach message to %s about %s. Use the context below when relevant.\n\n%s", recipient, topic, knowledge)
			draft := e.SafeLLM(ctx, wc, gateway.Request{
				Route:   gateway.RouteFastDraft,
				Purpose: "outreach-draft",
				Messages: []gateway.Message{
					{Role: "system", Content: "You draft customer outreach messages. Plain text, no placeholders."},
					{Role: "user", Content: prompt},
				},
			}, outreachFallback)
			e.AuditStep(ctx, wc, "draft", draft, true)

			return &Result{
				OK:      true,
				Message: "draft prepared, awaiting approval",
				Output: map[string]any{
					"draft":     draft,
					"recipient": recipient,
				},
				Outbound: &OutboundMessage{
					Recipient: recipient,
					Subject:   "Re: " + topic,
					Body:      draft,
				},
			}, nil
		},
	}
}

// Notify is the unattended notification workflow: it sends a fixed
// operator-supplied message through the outbox as soon as the workflow
// executes.
func Notify(e *Engine) Definition {
	return Definition{
		Name: "notify",
		Handler: func(ctx context.Context, wc *Context) (*Result, error) {
			recipient, _ := wc.Input["recipient"].(string)
			body, _ := wc.Input["body"].(string)
			if recipient == "" || body == "" {
				return &Result{OK: false, Message: "notify requires recipient and body"}, nil
			}
			subject, _ := wc.Input["subject"].(string)
			if subject == "" {
				subject = "Notification"
			}

			e.AuditStep(ctx, wc, "notify", body, true)
			return &Result{
				OK:      true,
				Message: "notification queued",
				Outbound: &OutboundMessage{
					Recipient: recipient,
					Subject:   subject,
					Body:      body,
				},
			}, nil
		},
	}
}
