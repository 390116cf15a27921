package falcon

import "net/http"

// Operation is one Falcon API endpoint, identified by its operation ID.
type Operation struct {
	ID     string
	Method string
	Path   string
	Scopes []string
}

// Operations used by the bundled modules.
var (
	QueryDevicesByFilter = Operation{
		ID: "QueryDevicesByFilter", Method: http.MethodGet,
		Path: "/devices/queries/devices/v1", Scopes: []string{"Hosts:read"},
	}
	PostDeviceDetailsV2 = Operation{
		ID: "PostDeviceDetailsV2", Method: http.MethodPost,
		Path: "/devices/entities/devices/v2", Scopes: []string{"Hosts:read"},
	}
	GetQueriesAlertsV2 = Operation{
		ID: "GetQueriesAlertsV2", Method: http.MethodGet,
		Path: "/alerts/queries/alerts/v2", Scopes: []string{"Alerts:read"},
	}
	PostEntitiesAlertsV2 = Operation{
		ID: "PostEntitiesAlertsV2", Method: http.MethodPost,
		Path: "/alerts/entities/alerts/v2", Scopes: []string{"Alerts:read"},
	}
	QueryIntelActorEntities = Operation{
		ID: "QueryIntelActorEntities", Method: http.MethodGet,
		Path: "/intel/combined/actors/v1", Scopes: []string{"Actors (Falcon Intelligence):read"},
	}
	QueryIntelIndicatorEntities = Operation{
		ID: "QueryIntelIndicatorEntities", Method: http.MethodGet,
		Path: "/intel/combined/indicators/v1", Scopes: []string{"Indicators (Falcon Intelligence):read"},
	}
)

var operations = map[string]Operation{}

func init() {
	for _, op := range []Operation{
		QueryDevicesByFilter,
		PostDeviceDetailsV2,
		GetQueriesAlertsV2,
		PostEntitiesAlertsV2,
		QueryIntelActorEntities,
		QueryIntelIndicatorEntities,
	} {
		operations[op.ID] = op
	}
}
