package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

const intentRouterSystemPrompt = `You are the intent router for a voice command orchestrator.
Classify the user's query as one of:
- "conversational": greetings, thanks, capability questions, or affirmations ("yes", "do it") that do NOT follow a pending action in context.
- "action": any verb implying a state change or data retrieval against a connected service, and affirmations when the context shows a pending action awaiting confirmation.

Respond with strict JSON only, no prose, no markdown fences:
{"type": "conversational" | "action", "confidence": 0.0-1.0, "reasoning": "one short sentence"}`

const conversationalReplySystemPrompt = `You are a voice assistant. Reply to the user's message in 15 words or fewer.
Always end by offering to help with a task. Do not use markdown. Respond with plain text only, not JSON.`

const planSynthesizerSystemPrompt = `You are the plan synthesizer for a voice command orchestrator.
You are given a registry of connected services, each exposing a list of tools with typed parameters, plus the user's query and recent conversation context.

Produce strict JSON only, no prose, no markdown fences, matching exactly:
{
  "selectedTools": [
    {"service": "<registry key>", "tool": "<tool name under that service>", "params": {...}, "iterateOver": "<optional template ref>", "reasoning": "<optional>"}
  ],
  "executionPlan": "<one sentence describing the plan>",
  "confidence": 0.0-1.0,
  "needsClarification": false,
  "clarificationQuestion": "<only if needsClarification is true>"
}

Hard constraints:
- "service" MUST be a key literally present in the registry. Never invent a service name.
- "tool" MUST be a tool name literally listed under that service in the registry. Never invent a tool name.
- "params" values are either literals or template references of the form "{{results[i].path.expr}}" where i is a previous step's index.
- For bulk/fan-out requests ("delete all tomorrow's meetings"), emit two steps: a list/search step, then a mutating step whose "iterateOver" points at the array the first step returns. Inside an iteration, reference the current item with "_currentItem.field".
- Prefer "search, then act" over asking for clarification. Only set needsClarification=true when the query cannot be satisfied even with a search/list step first.
- When the context references something like "the meeting you created", extract identifying details (time, title) from the context rather than taking the current query literally — e.g. use the original meeting's time, not today's date.`

func buildIntentUserPrompt(query, contextBlock string) string {
	if contextBlock == "" {
		return fmt.Sprintf("Query: %s", query)
	}
	return fmt.Sprintf("Conversation context:\n%s\n\nQuery: %s", contextBlock, query)
}

func buildStageBUserPrompt(registry Registry, query, contextBlock string) string {
	var b strings.Builder

	registryJSON, _ := json.Marshal(registry)
	fmt.Fprintf(&b, "Registry:\n%s\n\n", registryJSON)

	if contextBlock != "" {
		fmt.Fprintf(&b, "Conversation context:\n%s\n\n", contextBlock)
	}
	fmt.Fprintf(&b, "Query: %s", query)

	return b.String()
}
