package intel

import "math"

// Plan estimates the X API request usage of one collection run before it
// starts. The scheduler's monthly budget check and the cost-guard both key
// off EstimatedRequests.
type Plan struct {
	EstimatedRequests int `json:"estimated_requests"`
	WorstCaseRequests int `json:"worst_case_requests"`
	PageCap           int `json:"page_cap"`
	TargetLimit       int `json:"target_limit"`
	MentionLimit      int `json:"mention_limit"`
	InteractionLimit  int `json:"interaction_limit"`
}

// EstimatePlan splits the post budget across the three collection lanes
// (target timeline, mentions, interaction search) and derives page counts at
// 100 posts per page. One extra request resolves the target user.
func EstimatePlan(maxPosts, maxPages int) Plan {
	if maxPosts < 1 {
		maxPosts = 1
	}
	if maxPages < 1 {
		maxPages = 1
	}

	targetLimit := maxInt(20, maxPosts/2)
	mentionLimit := maxInt(20, maxPosts*3/10)
	interactionLimit := maxInt(20, maxPosts-targetLimit-mentionLimit)

	targetPages := pagesFor(targetLimit, maxPages)
	mentionPages := pagesFor(mentionLimit, maxPages)
	interactionPages := pagesFor(interactionLimit, maxPages)

	return Plan{
		EstimatedRequests: 1 + targetPages + mentionPages + interactionPages,
		WorstCaseRequests: 1 + 3*maxPages,
		PageCap:           maxPages,
		TargetLimit:       targetLimit,
		MentionLimit:      mentionLimit,
		InteractionLimit:  interactionLimit,
	}
}

func pagesFor(limit, pageCap int) int {
	pages := int(math.Ceil(float64(limit) / 100.0))
	if pages < 1 {
		pages = 1
	}
	if pages > pageCap {
		pages = pageCap
	}
	return pages
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
