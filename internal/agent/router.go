package agent

import "strings"

// Route sends text containing any of Keywords to Agent.
type Route struct {
	Agent    string
	Keywords []string
}

// DefaultRoutes are checked in order; the first match wins.
var DefaultRoutes = []Route{
	{
		Agent:    NameSafety,
		Keywords: []string{"security", "risk", "vulnerab", "compliance", "audit", "permission"},
	},
	{
		Agent:    NameResearch,
		Keywords: []string{"research", "investigate", "analyze", "analyse", "compare", "survey"},
	},
	{
		Agent:    NameMemory,
		Keywords: []string{"remember", "recall", "memorize", "history of"},
	},
}

// Router maps free text to an agent name by keyword substring. A goal that
// merely mentions "security" in passing still routes to the safety agent.
type Router struct {
	Routes   []Route
	Fallback string
}

// NewRouter creates a router with the default routes, falling back to the
// developer agent.
func NewRouter() *Router {
	return &Router{Routes: DefaultRoutes, Fallback: NameDeveloper}
}

// Route returns the agent name for text.
func (r *Router) Route(text string) string {
	lower := strings.ToLower(text)
	for _, route := range r.Routes {
		for _, kw := range route.Keywords {
			if strings.Contains(lower, kw) {
				return route.Agent
			}
		}
	}
	return r.Fallback
}
