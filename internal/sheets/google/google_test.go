package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"feeledger/internal/core"
	ports "feeledger/internal/sheets"

	goption "google.golang.org/api/option"
)

// fakeSheets answers the four Sheets calls the writer makes.
type fakeSheets struct {
	mu       sync.Mutex
	titles   []string
	calls    []string
	values   [][]any
	addSheet string
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := r.URL.Path
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet:
		f.calls = append(f.calls, "get")
		sheets := make([]map[string]any, 0, len(f.titles))
		for _, t := range f.titles {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": t}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})
	case strings.HasSuffix(path, ":batchUpdate"):
		f.calls = append(f.calls, "add")
		var req struct {
			Requests []struct {
				AddSheet struct {
					Properties struct {
						Title string `json:"title"`
					} `json:"properties"`
				} `json:"addSheet"`
			} `json:"requests"`
		}
		_ = json.Unmarshal(body, &req)
		if len(req.Requests) > 0 {
			f.addSheet = req.Requests[0].AddSheet.Properties.Title
			f.titles = append(f.titles, f.addSheet)
		}
		_, _ = w.Write([]byte(`{}`))
	case strings.HasSuffix(path, ":clear"):
		f.calls = append(f.calls, "clear")
		_, _ = w.Write([]byte(`{}`))
	case r.Method == http.MethodPut:
		f.calls = append(f.calls, "update")
		var vr struct {
			Values [][]any `json:"values"`
		}
		_ = json.Unmarshal(body, &vr)
		f.values = vr.Values
		_ = json.NewEncoder(w).Encode(map[string]any{"updatedRange": "'2023 Monthly'!A1:D4"})
	default:
		http.Error(w, "unexpected "+r.Method+" "+path, http.StatusNotFound)
	}
}

func newFakeClient(t *testing.T, fake *fakeSheets) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{SpreadsheetID: "sheet-id"},
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithoutAuthentication(),
		goption.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testReport() ports.Report {
	return ports.Report{
		From:        core.NewPeriod(2023, time.January),
		To:          core.NewPeriod(2023, time.February),
		Currency:    "VND",
		GeneratedAt: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		Entries: []core.MonthlyEntry{
			{Period: core.NewPeriod(2023, time.January), Collected: core.Money{Minor: 500000}},
			{Period: core.NewPeriod(2023, time.February), Outstanding: core.Money{Minor: 500000}, NewOverdueCount: 1},
		},
	}
}

func TestWriteMonthlyReportCreatesSheet(t *testing.T) {
	fake := &fakeSheets{titles: []string{"Sheet1"}}
	c := newFakeClient(t, fake)

	ref, err := c.WriteMonthlyReport(context.Background(), testReport())
	if err != nil {
		t.Fatalf("WriteMonthlyReport: %v", err)
	}
	if ref != "'2023 Monthly'!A1:D4" {
		t.Errorf("ref = %q", ref)
	}
	if got := strings.Join(fake.calls, ","); got != "get,add,clear,update" {
		t.Errorf("calls = %s", got)
	}
	if fake.addSheet != "2023 Monthly" {
		t.Errorf("added sheet %q", fake.addSheet)
	}
	if len(fake.values) != 4 || fake.values[0][0] != "Period" || fake.values[3][0] != "Total" {
		t.Errorf("values = %v", fake.values)
	}
}

func TestWriteMonthlyReportExistingSheet(t *testing.T) {
	fake := &fakeSheets{titles: []string{"2023 Monthly"}}
	c := newFakeClient(t, fake)

	if _, err := c.WriteMonthlyReport(context.Background(), testReport()); err != nil {
		t.Fatalf("WriteMonthlyReport: %v", err)
	}
	if got := strings.Join(fake.calls, ","); got != "get,clear,update" {
		t.Errorf("calls = %s", got)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil || err.Error() != "missing GOOGLE_SPREADSHEET_ID" {
		t.Errorf("missing id: err = %v", err)
	}
	if _, err := New(context.Background(), Config{SpreadsheetID: "x"}); err == nil || !strings.Contains(err.Error(), "missing service account credentials") {
		t.Errorf("missing credentials: err = %v", err)
	}
	if _, err := New(context.Background(), Config{SpreadsheetID: "x", ServiceAccountFile: t.TempDir() + "/absent.json"}); err == nil || !strings.Contains(err.Error(), "read service account file") {
		t.Errorf("missing file: err = %v", err)
	}
}

func TestUninitializedClient(t *testing.T) {
	c := &Client{spreadsheetID: "x", sheetBase: "Monthly"}
	if _, err := c.WriteMonthlyReport(context.Background(), testReport()); err == nil {
		t.Fatal("expected an error without a service")
	}
}

func TestYearPrefixedName(t *testing.T) {
	tests := []struct {
		base string
		year int
		want string
	}{
		{"Monthly", 2023, "2023 Monthly"},
		{"2022 Monthly", 2023, "2023 Monthly"},
		{"  Report ", 2024, "2024 Report"},
		{"Q1 Monthly", 2023, "2023 Q1 Monthly"},
	}
	for _, tt := range tests {
		if got := yearPrefixedName(tt.base, tt.year); got != tt.want {
			t.Errorf("yearPrefixedName(%q, %d) = %q, want %q", tt.base, tt.year, got, tt.want)
		}
	}
}

func TestA1QuotesSheetName(t *testing.T) {
	if got := a1("Bob's 2023", "A:D"); got != "'Bob''s 2023'!A:D" {
		t.Errorf("a1 = %q", got)
	}
}
