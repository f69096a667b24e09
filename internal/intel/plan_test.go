package intel

import "testing"

func TestEstimatePlan(t *testing.T) {
	tests := []struct {
		maxPosts int
		maxPages int
		want     Plan
	}{
		{
			maxPosts: 250,
			maxPages: 3,
			want: Plan{
				EstimatedRequests: 5, // 1 + 2 + 1 + 1
				WorstCaseRequests: 10,
				PageCap:           3,
				TargetLimit:       125,
				MentionLimit:      75,
				InteractionLimit:  50,
			},
		},
		{
			maxPosts: 10,
			maxPages: 3,
			want: Plan{
				EstimatedRequests: 4, // floors kick in: 20/20/20, one page each
				WorstCaseRequests: 10,
				PageCap:           3,
				TargetLimit:       20,
				MentionLimit:      20,
				InteractionLimit:  20,
			},
		},
		{
			maxPosts: 1000,
			maxPages: 2,
			want: Plan{
				EstimatedRequests: 7, // 1 + 2 + 2 + 2, capped by pages
				WorstCaseRequests: 7,
				PageCap:           2,
				TargetLimit:       500,
				MentionLimit:      300,
				InteractionLimit:  200,
			},
		},
	}
	for _, tt := range tests {
		got := EstimatePlan(tt.maxPosts, tt.maxPages)
		if got != tt.want {
			t.Fatalf("EstimatePlan(%d, %d) = %+v, want %+v", tt.maxPosts, tt.maxPages, got, tt.want)
		}
	}
}

func TestEstimatePlanClamps(t *testing.T) {
	plan := EstimatePlan(0, 0)
	if plan.PageCap != 1 {
		t.Fatalf("page cap = %d, want 1", plan.PageCap)
	}
	if plan.EstimatedRequests < 2 {
		t.Fatalf("estimate = %d, want at least user lookup plus one page", plan.EstimatedRequests)
	}
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"@example", "example"},
		{"  @Some_User  ", "Some_User"},
		{"weird!chars#here", "weirdcharshere"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHandle(tt.in); got != tt.want {
			t.Fatalf("NormalizeHandle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := SlugHandle("@Some_User"); got != "some_user" {
		t.Fatalf("SlugHandle = %q", got)
	}
	if got := SlugHandle("!!"); got != "target" {
		t.Fatalf("empty slug fallback = %q", got)
	}
}
