package match

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fincaops/recon-engine/internal/domain"
)

func testConfig() Config {
	return Config{
		DateWindowDays:           5,
		AmountOnlyWindowDays:     2,
		PayerSimilarityThreshold: 0.5,
		AmbiguityMargin:          0.05,
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func eur(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMatch_ExactReference(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 1, 5),
		Description: "REF-A1-0012",
		Amount:      eur("950.00"),
		Currency:    "EUR",
	}
	candidates := []domain.Receivable{{
		ID:        "r1",
		Amount:    eur("950.00"),
		Currency:  "EUR",
		DueDate:   date(2025, 1, 5),
		Reference: "REF-A1-0012",
		State:     domain.ReceivableOpen,
	}}

	got := m.Match(tx, candidates)
	if got.Method != domain.MethodReference || got.Confidence != 1.0 || got.ReceivableID != "r1" {
		t.Errorf("Match() = %+v, want reference match on r1 with confidence 1.0", got)
	}
}

func TestMatch_ReferenceBeatsHeuristic(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 1, 5),
		Description: "transfer REF-B2-0200 rent",
		Amount:      eur("800.00"),
		Currency:    "EUR",
		PayerName:   "Ana Lopez",
	}
	candidates := []domain.Receivable{
		{
			// Perfect amount + date + payer, but no reference hit.
			ID: "heuristic", Amount: eur("800.00"), Currency: "EUR",
			DueDate: date(2025, 1, 5), PayerName: "Ana Lopez",
			State: domain.ReceivableOpen,
		},
		{
			ID: "byref", Amount: eur("800.00"), Currency: "EUR",
			DueDate: date(2025, 1, 20), Reference: "REF-B2-0200",
			State: domain.ReceivableOpen,
		},
	}

	got := m.Match(tx, candidates)
	if got.ReceivableID != "byref" || got.Confidence != 1.0 || got.Method != domain.MethodReference {
		t.Errorf("Match() = %+v, want the reference candidate at 1.0", got)
	}
}

func TestMatch_HeuristicScaling(t *testing.T) {
	m := New(testConfig())

	base := domain.Receivable{
		ID: "r1", Amount: eur("650.00"), Currency: "EUR",
		DueDate: date(2025, 3, 1), PayerName: "Carlos Ruiz Fernandez",
		State: domain.ReceivableOpen,
	}

	tests := []struct {
		name      string
		posting   time.Time
		payer     string
		want      float64
		wantMatch bool
	}{
		{"all exact", date(2025, 3, 1), "Carlos Ruiz Fernandez", 0.9, true},
		{"date fuzzy", date(2025, 3, 4), "Carlos Ruiz Fernandez", 0.75, true},
		{"payer fuzzy", date(2025, 3, 1), "Carlos Ruiz Banco SA", 0.75, true},
		{"both fuzzy", date(2025, 3, 4), "Carlos Ruiz Banco SA", 0.6, true},
		{"date outside window", date(2025, 3, 10), "Carlos Ruiz Fernandez", 0, false},
		{"payer below threshold", date(2025, 3, 1), "Miguel Angel Torres", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := domain.BankTransaction{
				PostingDate: tt.posting,
				Description: "monthly rent",
				Amount:      eur("650.00"),
				Currency:    "EUR",
				PayerName:   tt.payer,
			}
			got := m.Match(tx, []domain.Receivable{base})
			if tt.wantMatch {
				if got.Method != domain.MethodHeuristic {
					t.Fatalf("Match() = %+v, want heuristic", got)
				}
				if got.Confidence != tt.want {
					t.Errorf("confidence = %v, want %v", got.Confidence, tt.want)
				}
			} else if got.Method == domain.MethodHeuristic {
				t.Errorf("Match() = %+v, want no heuristic hit", got)
			}
		})
	}
}

func TestMatch_SignedAmountsCompareOnAbsolute(t *testing.T) {
	m := New(testConfig())

	// Outgoing money: the bank reports -300.00 against a 300.00 receivable.
	tx := domain.BankTransaction{
		PostingDate: date(2025, 2, 1),
		Amount:      eur("-300.00"),
		Currency:    "EUR",
		PayerName:   "Finca Norte SL",
	}
	candidates := []domain.Receivable{{
		ID: "r1", Amount: eur("300.00"), Currency: "EUR",
		DueDate: date(2025, 2, 1), PayerName: "Finca Norte SL",
		State: domain.ReceivableOpen,
	}}

	got := m.Match(tx, candidates)
	if got.ReceivableID != "r1" {
		t.Errorf("Match() = %+v, want r1 via absolute amount", got)
	}
}

func TestMatch_CurrencyMismatchNeverMatches(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 2, 1),
		Amount:      eur("300.00"),
		Currency:    "GBP",
		PayerName:   "Finca Norte SL",
	}
	candidates := []domain.Receivable{{
		ID: "r1", Amount: eur("300.00"), Currency: "EUR",
		DueDate: date(2025, 2, 1), PayerName: "Finca Norte SL",
		State: domain.ReceivableOpen,
	}}

	if got := m.Match(tx, candidates); got.Method != domain.MethodNone {
		t.Errorf("Match() = %+v, want none across currencies", got)
	}
}

func TestMatch_AmountOnlyUniqueCandidate(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 1, 10),
		Description: "incoming transfer",
		Amount:      eur("421.37"),
		Currency:    "EUR",
	}
	candidates := []domain.Receivable{
		{ID: "r1", Amount: eur("421.37"), Currency: "EUR", DueDate: date(2025, 1, 11), State: domain.ReceivableOpen},
		{ID: "r2", Amount: eur("99.00"), Currency: "EUR", DueDate: date(2025, 1, 11), State: domain.ReceivableOpen},
	}

	got := m.Match(tx, candidates)
	if got.Method != domain.MethodAmount || got.Confidence != 0.5 || got.ReceivableID != "r1" {
		t.Errorf("Match() = %+v, want amount-only match on r1 at 0.5", got)
	}
}

func TestMatch_AmbiguousAmountPair(t *testing.T) {
	m := New(testConfig())

	// Two open receivables with the same amount inside the window: the
	// engine must refuse to pick one.
	tx := domain.BankTransaction{
		PostingDate: date(2025, 1, 10),
		Description: "transfer",
		Amount:      eur("300.00"),
		Currency:    "EUR",
	}
	candidates := []domain.Receivable{
		{ID: "r1", Amount: eur("300.00"), Currency: "EUR", DueDate: date(2025, 1, 9), State: domain.ReceivableOpen},
		{ID: "r2", Amount: eur("300.00"), Currency: "EUR", DueDate: date(2025, 1, 11), State: domain.ReceivableOpen},
	}

	got := m.Match(tx, candidates)
	if got.Method != domain.MethodAmbiguous {
		t.Fatalf("Match() = %+v, want ambiguous", got)
	}
	if got.ReceivableID != "" {
		t.Errorf("ambiguous result must not propose a candidate, got %q", got.ReceivableID)
	}
}

func TestMatch_HeuristicTieWithinMarginIsAmbiguous(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 3, 1),
		Amount:      eur("500.00"),
		Currency:    "EUR",
		PayerName:   "Laura Gomez",
	}
	candidates := []domain.Receivable{
		{ID: "r1", Amount: eur("500.00"), Currency: "EUR", DueDate: date(2025, 3, 1), PayerName: "Laura Gomez", State: domain.ReceivableOpen},
		{ID: "r2", Amount: eur("500.00"), Currency: "EUR", DueDate: date(2025, 3, 1), PayerName: "Laura Gomez", State: domain.ReceivableOpen},
	}

	if got := m.Match(tx, candidates); got.Method != domain.MethodAmbiguous {
		t.Errorf("Match() = %+v, want ambiguous for equal-scoring candidates", got)
	}
}

func TestMatch_HeuristicClearWinnerBeatsRunnerUp(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 3, 1),
		Amount:      eur("500.00"),
		Currency:    "EUR",
		PayerName:   "Laura Gomez",
	}
	candidates := []domain.Receivable{
		{ID: "exact", Amount: eur("500.00"), Currency: "EUR", DueDate: date(2025, 3, 1), PayerName: "Laura Gomez", State: domain.ReceivableOpen},
		{ID: "fuzzy", Amount: eur("500.00"), Currency: "EUR", DueDate: date(2025, 3, 4), PayerName: "Laura Gomez", State: domain.ReceivableOpen},
	}

	got := m.Match(tx, candidates)
	if got.ReceivableID != "exact" || got.Confidence != 0.9 {
		t.Errorf("Match() = %+v, want exact candidate at 0.9", got)
	}
}

func TestMatch_SettledCandidatesIgnored(t *testing.T) {
	m := New(testConfig())

	tx := domain.BankTransaction{
		PostingDate: date(2025, 1, 5),
		Description: "REF-A1-0012",
		Amount:      eur("950.00"),
		Currency:    "EUR",
	}
	candidates := []domain.Receivable{{
		ID: "r1", Amount: eur("950.00"), Currency: "EUR",
		DueDate: date(2025, 1, 5), Reference: "REF-A1-0012",
		State: domain.ReceivableSettled,
	}}

	if got := m.Match(tx, candidates); got.Method != domain.MethodNone {
		t.Errorf("Match() = %+v, want none against a settled receivable", got)
	}
}

func TestMatch_NoCandidates(t *testing.T) {
	m := New(testConfig())

	got := m.Match(domain.BankTransaction{Currency: "EUR", Amount: eur("10.00")}, nil)
	if got.Method != domain.MethodNone || got.Confidence != 0 {
		t.Errorf("Match() = %+v, want none at 0", got)
	}
}
