package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier()

	tests := []struct {
		text string
		want Category
	}{
		{"PASSPORT Nationality: Canadian Date of Birth 01 JAN 1990", CategoryGovernmentID},
		{"FACTURA  RNC 131047939  NCF B0100000012  ITBIS 18%  Subtotal", CategoryBusiness},
		{"Diagnóstico del paciente: receta 500 mg", CategoryMedical},
		{"This Agreement is made hereby between the parties; whereas the Contract states", CategoryLegal},
		{"Bank statement  Account number 1234  Opening balance  Deposit  Withdrawal", CategoryFinancial},
		{"Universidad Nacional  Transcript  Semestre 2  Calificación", CategoryAcademic},
		{"The weather was pleasant and we walked home", CategoryGeneral},
		{"", CategoryGeneral},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}

func TestKeywordClassifier_WholeWordsOnly(t *testing.T) {
	c := NewKeywordClassifier()
	// "mg" inside "image" and "img" must not count as a dosage unit
	assert.Equal(t, CategoryGeneral, c.Classify("image img imaging"))
}

func TestParseCategory(t *testing.T) {
	cat, ok := ParseCategory(" Financial ")
	assert.True(t, ok)
	assert.Equal(t, CategoryFinancial, cat)

	_, ok = ParseCategory("recipe")
	assert.False(t, ok)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "cedula de identidad", fold("Cédula de Identidad"))
}
