package intel

import (
	"fmt"
	"testing"
	"time"
)

func makeCollection(posts []Post) *Collection {
	return &Collection{
		Handle:      "example",
		WindowDays:  14,
		CollectedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Posts:       posts,
	}
}

func TestBuildReportEmpty(t *testing.T) {
	report := BuildReport(makeCollection(nil))
	if report.AILikelihood != 0 {
		t.Fatalf("empty collection likelihood = %v", report.AILikelihood)
	}
	if report.ContentDigest == "" {
		t.Fatalf("digest should be present even for empty collections")
	}
}

func TestDuplicateClusters(t *testing.T) {
	posts := []Post{
		{ID: "1", Text: "Check out our amazing new product today"},
		{ID: "2", Text: "check out our  amazing new product today"},
		{ID: "3", Text: "something entirely different"},
		{ID: "4", Text: "Another repeated message right here"},
		{ID: "5", Text: "another repeated message right here"},
	}
	if got := duplicateClusters(posts); got != 2 {
		t.Fatalf("clusters = %d, want 2", got)
	}
}

func TestCadenceRegularity(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	regular := make([]Post, 10)
	for i := range regular {
		regular[i] = Post{ID: fmt.Sprintf("r%d", i), CreatedAt: base.Add(time.Duration(i) * time.Hour)}
	}
	irregular := make([]Post, 10)
	gaps := []time.Duration{1, 40, 3, 300, 7, 90, 2, 600, 15}
	at := base
	irregular[0] = Post{ID: "i0", CreatedAt: at}
	for i, gap := range gaps {
		at = at.Add(gap * time.Minute)
		irregular[i+1] = Post{ID: fmt.Sprintf("i%d", i+1), CreatedAt: at}
	}

	r := cadenceRegularity(regular)
	ir := cadenceRegularity(irregular)
	if r <= ir {
		t.Fatalf("machine cadence %v should score above organic cadence %v", r, ir)
	}
	if r != 1.0 {
		t.Fatalf("perfectly even cadence = %v, want 1.0", r)
	}
}

func TestContentDigestIsOrderIndependent(t *testing.T) {
	a := makeCollection([]Post{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	b := makeCollection([]Post{{ID: "3"}, {ID: "1"}, {ID: "2"}})
	if contentDigest(a) != contentDigest(b) {
		t.Fatalf("digest should not depend on post order")
	}
	c := makeCollection([]Post{{ID: "1"}, {ID: "2"}})
	if contentDigest(a) == contentDigest(c) {
		t.Fatalf("digest should change with content")
	}
}

func TestBuildReportAlerts(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	posts := make([]Post, 30)
	for i := range posts {
		posts[i] = Post{
			ID:        fmt.Sprintf("p%d", i),
			Text:      "Furthermore, it is important to note that our product is great.",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}
	report := BuildReport(makeCollection(posts))
	if report.AILikelihood < 0.5 {
		t.Fatalf("likelihood = %v, want >= 0.5 for templated bot activity", report.AILikelihood)
	}
	codes := map[string]bool{}
	for _, alert := range report.Alerts {
		codes[alert.Code] = true
	}
	for _, want := range []string{"formal_phrasing", "bot_cadence"} {
		if !codes[want] {
			t.Fatalf("missing alert %s in %v", want, report.Alerts)
		}
	}
}
