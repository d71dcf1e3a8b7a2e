package council

import "fmt"

// Prompt templates for the three stages. The Stage-2 templates carry the
// FINAL RANKING format contract that ParseRanking depends on.

const stage1Template = `You are a council member evaluating the following request:

%s

Provide your individual response. Be thorough, accurate, and consider multiple perspectives.`

const codeStage1Template = `You are a council member working on the following code task:

%s

Current working directory: %s

Analyze the request and make the necessary code changes. Provide:
1. Your analysis of what needs to be done
2. The specific changes you would make
3. Your reasoning for these changes`

const stage2Template = `You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized as A, B, C, ...):

%s

Your task:
1. Briefly evaluate each response
2. Provide your final ranking at the end

CRITICAL: You MUST end your response with EXACTLY this format:

FINAL RANKING:
1. Response A
2. Response B
3. Response C

(Replace with your actual ranking order, covering every response exactly once.)

Now evaluate and rank:`

const codeStage2Template = `You are reviewing different code change proposals for the following task:

Original Task: %s

Here are the proposed changes from different models. Each proposal is labeled with a SINGLE LETTER.

%s

Your task:
1. Briefly evaluate each proposal (mention them as A, B, C, ...)
2. Provide your final ranking at the end

CRITICAL FORMATTING REQUIREMENT:

You MUST end your response with a ranking section in EXACTLY this format:

FINAL RANKING:
1. Proposal A
2. Proposal B
3. Proposal C

RULES:
- Use ONLY the proposal letters shown above
- Do NOT use model names or numbers
- Each letter must appear exactly once
- The order represents best (1) to worst

Now evaluate and rank the proposals:`

const stage3Template = `You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`

const codeStage3Template = `You are the Chairman of an LLM Council for code review. Multiple AI models have proposed code changes and reviewed each other's work.

Original Task: %s

STAGE 1 - Individual Proposals:
%s

STAGE 2 - Peer Reviews:
%s

Your task as Chairman is to create the final, best code changes that should be applied. Consider:
- The strengths of each proposal
- The peer reviews and identified issues
- Best practices and code quality

Provide the final code changes that represent the council's collective decision.`

const titleTemplate = `Summarize the following request as a short conversation title of at most eight words. Reply with the title only, no quotes:

%s`

// fallbackSynthesis is substituted when the chairman invocation fails.
// Chairman failure is never session-fatal.
const fallbackSynthesis = "Error: Unable to generate final synthesis."

func stage1Prompt(query string) string {
	return fmt.Sprintf(stage1Template, query)
}

func codeStage1Prompt(query, workdir string) string {
	return fmt.Sprintf(codeStage1Template, query, workdir)
}

func stage2Prompt(query, responsesText string, useDiffs bool) string {
	if useDiffs {
		return fmt.Sprintf(codeStage2Template, query, responsesText)
	}
	return fmt.Sprintf(stage2Template, query, responsesText)
}

func stage3Prompt(query, stage1Text, stage2Text string, useDiffs bool) string {
	if useDiffs {
		return fmt.Sprintf(codeStage3Template, query, stage1Text, stage2Text)
	}
	return fmt.Sprintf(stage3Template, query, stage1Text, stage2Text)
}

func titlePrompt(query string) string {
	return fmt.Sprintf(titleTemplate, query)
}
