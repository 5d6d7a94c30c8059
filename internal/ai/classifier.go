package ai

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category is the closed set of document types used to pick correction instructions
type Category string

const (
	CategoryGovernmentID Category = "government_id"
	CategoryBusiness     Category = "business"
	CategoryAcademic     Category = "academic"
	CategoryMedical      Category = "medical"
	CategoryLegal        Category = "legal"
	CategoryFinancial    Category = "financial"
	CategoryGeneral      Category = "general"
)

// Categories lists every category in tie-break order
var Categories = []Category{
	CategoryGovernmentID,
	CategoryFinancial,
	CategoryBusiness,
	CategoryMedical,
	CategoryLegal,
	CategoryAcademic,
	CategoryGeneral,
}

// ParseCategory returns the category named by s, or false if s is not one
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Classifier assigns a document category to raw text
type Classifier interface {
	Classify(text string) Category
}

// KeywordClassifier counts keyword hits per category on accent-folded, lowercased text.
// The category with the most hits wins; no hits means general.
type KeywordClassifier struct {
	keywords map[Category][]string
}

// NewKeywordClassifier returns a classifier with English and Spanish keyword lists
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{keywords: map[Category][]string{
		CategoryGovernmentID: {
			"passport", "pasaporte", "identity card", "cedula", "driver license", "driving licence",
			"licencia de conducir", "date of birth", "fecha de nacimiento", "nationality", "nacionalidad",
			"permanent account number", "social security", "aadhaar", "voter",
		},
		CategoryBusiness: {
			"invoice", "factura", "purchase order", "orden de compra", "quotation", "cotizacion",
			"supplier", "proveedor", "customer", "cliente", "rnc", "ncf", "itbis", "vat", "subtotal",
		},
		CategoryAcademic: {
			"university", "universidad", "transcript", "diploma", "degree", "semester", "semestre",
			"grade", "calificacion", "abstract", "thesis", "tesis", "student", "estudiante",
		},
		CategoryMedical: {
			"patient", "paciente", "diagnosis", "diagnostico", "prescription", "receta", "dosage",
			"dosis", "hospital", "clinic", "clinica", "mg", "blood pressure", "physician", "medico",
		},
		CategoryLegal: {
			"agreement", "contrato", "contract", "hereby", "whereas", "plaintiff", "defendant",
			"court", "tribunal", "clause", "clausula", "notary", "notario", "witness", "testigo",
		},
		CategoryFinancial: {
			"bank statement", "estado de cuenta", "account number", "numero de cuenta", "balance",
			"saldo", "deposit", "deposito", "withdrawal", "retiro", "interest", "interes",
			"transaction", "transaccion", "iban", "swift",
		},
	}}
}

// Classify returns the best-matching category
func (c *KeywordClassifier) Classify(text string) Category {
	folded := " " + fold(text) + " "

	best, bestHits := CategoryGeneral, 0
	for _, cat := range Categories {
		hits := 0
		for _, kw := range c.keywords[cat] {
			hits += countWord(folded, kw)
		}
		if hits > bestHits {
			best, bestHits = cat, hits
		}
	}
	return best
}

// fold lowercases text and strips diacritics so "Diagnóstico" matches "diagnostico"
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// countWord counts occurrences of kw bounded by non-alphanumeric runes
func countWord(haystack, kw string) int {
	n := 0
	for i := 0; ; {
		j := strings.Index(haystack[i:], kw)
		if j < 0 {
			return n
		}
		start := i + j
		end := start + len(kw)
		if isBoundary(haystack, start-1) && isBoundary(haystack, end) {
			n++
		}
		i = start + 1
	}
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	b := s[i]
	return !(b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 0x80)
}
