package server

// Route is one documented method and path. Path parameters use OpenAPI
// template syntax.
type Route struct {
	Method string
	Path   string
}

// Routes lists every operation the router serves. cmd/check_openapi compares
// it against api/openapi.yaml.
var Routes = []Route{
	{"GET", "/"},
	{"GET", "/healthz"},
	{"GET", "/health"},
	{"POST", "/auth/login"},
	{"POST", "/auth/register"},
	{"POST", "/auth/logout"},
	{"DELETE", "/auth/account/wipe"},
	{"POST", "/check-in/analyze"},
	{"GET", "/check-in/history"},
	{"POST", "/user/wearable"},
	{"GET", "/user/wearable/view"},
	{"GET", "/user/wearable/check"},
	{"POST", "/journal/create"},
	{"GET", "/journal/history"},
	{"DELETE", "/journal/entry/{entry_id}"},
	{"GET", "/library/interventions"},
	{"GET", "/library/interventions/{intervention_id}"},
	{"POST", "/library/interventions/complete"},
	{"POST", "/counseling/start"},
	{"POST", "/counseling/followup"},
	{"GET", "/counseling/conversations"},
	{"GET", "/counseling/conversations/{conversation_id}/messages"},
}
