package advisor

import "fmt"

// BreakdownPrompt asks the Advisor to split task into at most n
// parallelizable sub-tasks using the SUBTASK_<k> grammar the
// Coordination Controller parses.
func BreakdownPrompt(task string, n int) string {
	return fmt.Sprintf(`You are breaking a development task into up to %d independent sub-tasks that can run in parallel.

Task: %s

If the task cannot be usefully split, respond with exactly the line:
SINGLE_INSTANCE_SUFFICIENT

Otherwise respond with one line per sub-task in this exact grammar, ordered by priority (highest first):
SUBTASK_1: <description> | SCOPE: <scope> | PRIORITY: <High|Medium|Low>
SUBTASK_2: <description> | SCOPE: <scope> | PRIORITY: <High|Medium|Low>

SCOPE and PRIORITY may be omitted; omitted SCOPE defaults to "No specific scope" and omitted PRIORITY defaults to "Medium".`, n, task)
}

// PermissionClassifierPrompt asks the Advisor whether an assistant's
// final-turn message, following one or more tool calls, indicates the
// assistant is blocked on a missing permission. The
// response grammar is fixed: either the literal line
// "NO_PERMISSION_ISSUE", or "TOOLS_NEEDED: <comma-separated names>".
func PermissionClassifierPrompt(toolNames []string, finalMessage string) string {
	return fmt.Sprintf(`A coding assistant attempted to use the following tools: %v

Its final message for this turn was:
%s

If this message indicates the assistant is blocked because it lacks permission to use one or more tools, respond with exactly one line:
TOOLS_NEEDED: <comma-separated tool names>

Otherwise respond with exactly the line:
NO_PERMISSION_ISSUE`, toolNames, finalMessage)
}

// QuestionOrDocPrompt builds the Stall Detector's intervention prompt:
// given the assistant's last message and the user's most recent
// message, ask the Advisor for a verdict to reinject.
func QuestionOrDocPrompt(lastAssistantMessage, lastUserMessage string) string {
	return fmt.Sprintf(`A coding assistant appears to be waiting idle. Here is the context:

Most recent user request:
%s

Assistant's last message:
%s

If the assistant asked a question, answer it concisely on the user's behalf using reasonable defaults. If the assistant appears to be waiting for confirmation to proceed, tell it to proceed. Respond with the single message that should be sent back to the assistant to unblock it.`, lastUserMessage, lastAssistantMessage)
}
