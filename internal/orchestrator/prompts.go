package orchestrator

import "fmt"

// systemPrompt is adapted from original_source/src/prompts.py's
// BASE_SYSTEM_PROMPT, trimmed to the action set this module parses via
// internal/coords.
const systemPrompt = `You are a computer control agent. You see screenshots and control a desktop precisely.

## COORDINATE SYSTEM
Coordinates use [0-1000] range: (0,0) top-left, (1000,1000) bottom-right, (500,500) center.

## RULES

1. LOOK then ACT. Briefly check the screen, then act. Don't over-analyze.
2. COMPLETE THE TASK. When you see the expected result, set "task_complete": true. Don't keep going after success.
3. NEVER REPEAT. If an action didn't work, try something different: different coordinates, different action type, keyboard instead of mouse.
4. Respond with exactly one fenced ` + "```json```" + ` block containing the action.

Reply with your action as:
` + "```json\n{\"action\": \"CLICK\", \"target\": \"element\", \"x\": 500, \"y\": 300, \"confidence\": 0.9, \"thought\": \"why\", \"task_complete\": false}\n```"

// buildTaskPrompt mirrors original_source/src/prompts.py's
// plan_action_prompt.
func buildTaskPrompt(task, context, actionHistory string) string {
	historySection := ""
	if actionHistory != "" {
		historySection = fmt.Sprintf("\n## RECENT ACTIONS\n%s\nIf you see the same action multiple times, it is NOT WORKING. Try something different.\n", actionHistory)
	}
	return fmt.Sprintf(`TASK: %s

%s
%s
---

Look at the screenshot. What do you see and what's the next step? Is the task already complete?`, task, context, historySection)
}
