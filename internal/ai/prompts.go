package ai

import "fmt"

const baseInstructions = `You correct text produced by OCR. Fix misrecognized characters, broken words and
spacing. Do not summarize, translate, reorder or add content. Keep every number, date, amount, code and
identifier exactly as written unless a single character is clearly misread. Return only the corrected text,
with no explanation and no markdown.`

var categoryInstructions = map[Category]string{
	CategoryGovernmentID: "The text comes from an identity document. Preserve names, ID numbers, nationality and dates of birth and issue character for character.",
	CategoryBusiness:     "The text comes from a business document such as an invoice or purchase order. Preserve tax IDs, invoice numbers, line items, quantities and totals.",
	CategoryAcademic:     "The text comes from an academic document. Preserve course names, grades, credits, student numbers and citations.",
	CategoryMedical:      "The text comes from a medical document. Preserve drug names, dosages, units, patient identifiers and dates exactly.",
	CategoryLegal:        "The text comes from a legal document. Preserve clause numbering, party names, defined terms and dates.",
	CategoryFinancial:    "The text comes from a financial statement. Preserve account numbers, balances, transaction dates and amounts with their signs.",
	CategoryGeneral:      "Keep the original paragraph structure.",
}

// correctionPrompt builds the prompt for a category
func correctionPrompt(cat Category, rawText string) Prompt {
	instructions, ok := categoryInstructions[cat]
	if !ok {
		instructions = categoryInstructions[CategoryGeneral]
	}
	return Prompt{
		System: baseInstructions + "\n\n" + instructions,
		User:   fmt.Sprintf("OCR text:\n%s", rawText),
	}
}

const summaryInstructions = `Summarize the document below in a few sentences. Mention the document type, the parties
involved and any key dates and amounts. Return plain text only.`

func summaryPrompt(text string) Prompt {
	return Prompt{System: summaryInstructions, User: text}
}
