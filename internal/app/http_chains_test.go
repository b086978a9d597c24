package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"valuechain/api/internal/store"
)

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := env.mustDo(t, http.StatusUnauthorized, http.MethodGet, "/api/chains", tc.token, "")
			if payload["code"] != "UNAUTHORIZED" {
				t.Fatalf("expected UNAUTHORIZED, got %v", payload["code"])
			}
		})
	}
}

func TestViewerWriteEndpointsAreForbidden(t *testing.T) {
	env := newTestEnv(t)
	manager := env.token(t, "u_mgr", "manager", "t1")
	chain := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", manager, `{"title":"Order to cash"}`)
	chainID := chain["id"].(string)
	viewer := env.token(t, "u_view", "viewer", "t1")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "create chain", method: http.MethodPost, path: "/api/chains", body: `{"title":"X"}`},
		{name: "update chain", method: http.MethodPut, path: "/api/chains/" + chainID, body: `{"title":"X"}`},
		{name: "delete chain", method: http.MethodDelete, path: "/api/chains/" + chainID},
		{name: "save segments", method: http.MethodPut, path: "/api/chains/" + chainID + "/segments", body: `{"segments":[]}`},
		{name: "reorder", method: http.MethodPut, path: "/api/chains/" + chainID + "/order", body: `{"segmentIds":[]}`},
		{name: "merge", method: http.MethodPost, path: "/api/chains/merge", body: `{"chainAId":"a","chainBId":"b","title":"X"}`},
		{name: "split", method: http.MethodPost, path: "/api/chains/" + chainID + "/split", body: `{"index":1,"firstTitle":"A","secondTitle":"B"}`},
		{name: "save layout", method: http.MethodPut, path: "/api/chains/" + chainID + "/layout", body: `{"nodes":[]}`},
		{name: "approve", method: http.MethodPost, path: "/api/chains/" + chainID + "/approve"},
		{name: "review queue", method: http.MethodGet, path: "/api/chains?view=review"},
		{name: "layout select", method: http.MethodPost, path: "/api/layout/sessions/s1/select", body: `{"chainId":"` + chainID + `"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := env.mustDo(t, http.StatusForbidden, tc.method, tc.path, viewer, tc.body)
			if payload["code"] != "FORBIDDEN" {
				t.Fatalf("expected code FORBIDDEN, got %v", payload["code"])
			}
		})
	}

	env.mustDo(t, http.StatusOK, http.MethodGet, "/api/chains/"+chainID, viewer, "")
}

func TestApprovalGateOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	member := env.token(t, "u_mem", "member", "t1")
	manager := env.token(t, "u_mgr", "manager", "t1")

	created := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", member, `{"title":"  Procure to pay  ","description":"purchasing"}`)
	chainID := created["id"].(string)
	if created["approvalStatus"] != "pending" || created["title"] != "Procure to pay" {
		t.Fatalf("unexpected created chain: %v", created)
	}
	if created["approvedBy"] != nil || created["approvedAt"] != nil {
		t.Fatalf("pending chain must not carry a decision: %v", created)
	}

	if got := items(t, env.mustDo(t, http.StatusOK, http.MethodGet, "/api/chains", member, "")); len(got) != 0 {
		t.Fatalf("pending chains are hidden from the default view, got %v", got)
	}
	env.mustDo(t, http.StatusForbidden, http.MethodGet, "/api/chains?view=review", member, "")
	queue := items(t, env.mustDo(t, http.StatusOK, http.MethodGet, "/api/chains?view=review", manager, ""))
	if len(queue) != 1 || queue[0]["id"] != chainID {
		t.Fatalf("expected the pending chain in the review queue, got %v", queue)
	}

	env.mustDo(t, http.StatusForbidden, http.MethodPost, "/api/chains/"+chainID+"/approve", member, "")
	approved := env.mustDo(t, http.StatusOK, http.MethodPost, "/api/chains/"+chainID+"/approve", manager, "")
	if approved["approvalStatus"] != "approved" || approved["approvedBy"] != "u_mgr" || approved["approvedAt"] == nil {
		t.Fatalf("unexpected approved chain: %v", approved)
	}

	again := env.mustDo(t, http.StatusOK, http.MethodPost, "/api/chains/"+chainID+"/approve", manager, "")
	if again["approvedAt"] != approved["approvedAt"] {
		t.Fatalf("repeating a decision must not change it: %v vs %v", again, approved)
	}
	payload := env.mustDo(t, http.StatusUnprocessableEntity, http.MethodPost, "/api/chains/"+chainID+"/reject", manager, "")
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}

	listed := items(t, env.mustDo(t, http.StatusOK, http.MethodGet, "/api/chains", member, ""))
	if len(listed) != 1 || listed[0]["id"] != chainID {
		t.Fatalf("approved chain should be listed, got %v", listed)
	}

	edited := env.mustDo(t, http.StatusOK, http.MethodPut, "/api/chains/"+chainID, member, `{"description":"purchasing and payables"}`)
	if edited["approvalStatus"] != "approved" || edited["description"] != "purchasing and payables" {
		t.Fatalf("editing keeps the approval status: %v", edited)
	}
}

func TestManagerCreatesApprovedChain(t *testing.T) {
	env := newTestEnv(t)
	manager := env.token(t, "u_mgr", "manager", "t1")
	created := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", manager, `{"title":"Hire to retire"}`)
	if created["approvalStatus"] != "approved" || created["approvedBy"] != "u_mgr" {
		t.Fatalf("expected auto-approved chain, got %v", created)
	}
}

func TestSegmentsResolveDirectoryReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertPerson(ctx, store.Person{ID: "p_ada", TenantID: "t1", FirstName: "Ada", LastName: "Lovelace"}); err != nil {
		t.Fatalf("seed person: %v", err)
	}
	if err := env.store.UpsertUnit(ctx, store.Unit{ID: "un_sales", TenantID: "t1", Title: "Sales"}); err != nil {
		t.Fatalf("seed unit: %v", err)
	}
	manager := env.token(t, "u_mgr", "manager", "t1")
	chainID := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", manager, `{"title":"Order to cash"}`)["id"].(string)

	saved := env.mustDo(t, http.StatusOK, http.MethodPut, "/api/chains/"+chainID+"/segments", manager, `{"segments":[
		{"functionName":"Quote","actorIds":["p_ada","p_gone"],"unitIds":["un_sales"]},
		{"functionName":"Invoice"}
	]}`)
	segments := segmentsOf(t, saved)
	if len(segments) != 2 || segments[0]["functionName"] != "Quote" || segments[1]["order"] != float64(1) {
		t.Fatalf("unexpected segments: %v", segments)
	}
	actors := segments[0]["actors"].([]any)
	if len(actors) != 2 {
		t.Fatalf("expected two actors, got %v", actors)
	}
	if ada := actors[0].(map[string]any); ada["id"] != "p_ada" || ada["name"] != "Ada Lovelace" {
		t.Fatalf("expected resolved actor, got %v", ada)
	}
	if gone := actors[1].(map[string]any); gone["id"] != "p_gone" || gone["name"] != nil {
		t.Fatalf("unknown actors are returned by id only, got %v", gone)
	}
	units := segments[0]["units"].([]any)
	if len(units) != 1 || units[0].(map[string]any)["title"] != "Sales" {
		t.Fatalf("expected resolved unit, got %v", units)
	}

	people := items(t, env.mustDo(t, http.StatusOK, http.MethodGet, "/api/directory/people", manager, ""))
	if len(people) != 1 || people[0]["name"] != "Ada Lovelace" {
		t.Fatalf("unexpected people: %v", people)
	}
	unitItems := items(t, env.mustDo(t, http.StatusOK, http.MethodGet, "/api/directory/units", manager, ""))
	if len(unitItems) != 1 || unitItems[0]["title"] != "Sales" {
		t.Fatalf("unexpected units: %v", unitItems)
	}
}

func createChainWithSegments(t *testing.T, env *testEnv, token, title string, names ...string) map[string]any {
	t.Helper()
	chainID := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", token, fmt.Sprintf(`{"title":%q}`, title))["id"].(string)
	entries := make([]string, len(names))
	for i, name := range names {
		entries[i] = fmt.Sprintf(`{"functionName":%q}`, name)
	}
	return env.mustDo(t, http.StatusOK, http.MethodPut, "/api/chains/"+chainID+"/segments", token,
		`{"segments":[`+strings.Join(entries, ",")+`]}`)
}

func functionNames(t *testing.T, chain map[string]any) []string {
	t.Helper()
	var names []string
	for i, segment := range segmentsOf(t, chain) {
		if segment["order"] != float64(i) {
			t.Fatalf("segment %d has order %v", i, segment["order"])
		}
		names = append(names, segment["functionName"].(string))
	}
	return names
}

func TestMergeSplitAndReorderRoutes(t *testing.T) {
	env := newTestEnv(t)
	manager := env.token(t, "u_mgr", "manager", "t1")
	a := createChainWithSegments(t, env, manager, "Sales", "Lead", "Quote")
	b := createChainWithSegments(t, env, manager, "Billing", "Invoice")

	merged := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains/merge", manager,
		fmt.Sprintf(`{"chainAId":%q,"chainBId":%q,"title":"Order to cash"}`, a["id"], b["id"]))
	if got := strings.Join(functionNames(t, merged), ","); got != "Lead,Quote,Invoice" {
		t.Fatalf("unexpected merged order %s", got)
	}
	env.mustDo(t, http.StatusNotFound, http.MethodGet, "/api/chains/"+a["id"].(string), manager, "")
	env.mustDo(t, http.StatusNotFound, http.MethodGet, "/api/chains/"+b["id"].(string), manager, "")

	mergedID := merged["id"].(string)
	ids := make([]string, 0, 3)
	for _, segment := range segmentsOf(t, merged) {
		ids = append(ids, fmt.Sprintf("%q", segment["id"]))
	}
	reordered := env.mustDo(t, http.StatusOK, http.MethodPut, "/api/chains/"+mergedID+"/order", manager,
		`{"segmentIds":[`+ids[2]+`,`+ids[0]+`,`+ids[1]+`]}`)
	if got := strings.Join(functionNames(t, reordered), ","); got != "Invoice,Lead,Quote" {
		t.Fatalf("unexpected reordered %s", got)
	}
	env.mustDo(t, http.StatusUnprocessableEntity, http.MethodPut, "/api/chains/"+mergedID+"/order", manager,
		`{"segmentIds":[`+ids[0]+`]}`)

	split := items(t, env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains/"+mergedID+"/split", manager,
		`{"index":1,"firstTitle":"Billing","secondTitle":"Sales"}`))
	if len(split) != 2 {
		t.Fatalf("expected two chains, got %v", split)
	}
	if got := strings.Join(functionNames(t, split[0]), ","); got != "Invoice" {
		t.Fatalf("unexpected first part %s", got)
	}
	if got := strings.Join(functionNames(t, split[1]), ","); got != "Lead,Quote" {
		t.Fatalf("unexpected second part %s", got)
	}
	env.mustDo(t, http.StatusNotFound, http.MethodGet, "/api/chains/"+mergedID, manager, "")

	env.mustDo(t, http.StatusUnprocessableEntity, http.MethodPost, "/api/chains/"+split[0]["id"].(string)+"/split", manager,
		`{"index":1,"firstTitle":"A","secondTitle":"B"}`)
	env.mustDo(t, http.StatusUnprocessableEntity, http.MethodPost, "/api/chains/"+split[1]["id"].(string)+"/split", manager,
		`{"firstTitle":"A","secondTitle":"B"}`)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	manager := env.token(t, "u_mgr", "manager", "t1")

	payload := env.mustDo(t, http.StatusUnprocessableEntity, http.MethodPost, "/api/chains", manager, `{"title":"   "}`)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}
	payload = env.mustDo(t, http.StatusBadRequest, http.MethodPost, "/api/chains", manager, `{"title":`)
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", payload)
	}
	payload = env.mustDo(t, http.StatusNotFound, http.MethodGet, "/api/chains/ch_missing", manager, "")
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", payload)
	}
	env.mustDo(t, http.StatusNotFound, http.MethodDelete, "/api/chains/ch_missing", manager, "")
	env.mustDo(t, http.StatusMethodNotAllowed, http.MethodPatch, "/api/chains", manager, "")
	env.mustDo(t, http.StatusNotFound, http.MethodGet, "/api/nothing", manager, "")
}

func TestChainsAreTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	ours := env.token(t, "u_1", "manager", "t1")
	theirs := env.token(t, "u_2", "admin", "t2")

	chainID := env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", ours, `{"title":"Order to cash"}`)["id"].(string)
	env.mustDo(t, http.StatusNotFound, http.MethodGet, "/api/chains/"+chainID, theirs, "")
	env.mustDo(t, http.StatusNotFound, http.MethodDelete, "/api/chains/"+chainID, theirs, "")
	if got := items(t, env.mustDo(t, http.StatusOK, http.MethodGet, "/api/chains", theirs, "")); len(got) != 0 {
		t.Fatalf("expected no chains across tenants, got %v", got)
	}
	env.mustDo(t, http.StatusOK, http.MethodDelete, "/api/chains/"+chainID, ours, "")
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	member := env.token(t, "u_mem", "member", "t1")
	manager := env.token(t, "u_mgr", "manager", "t1")
	createChainWithSegments(t, env, manager, "Order to cash", "Quote", "Invoice")
	env.mustDo(t, http.StatusCreated, http.MethodPost, "/api/chains", member, `{"title":"Invoice disputes"}`)

	payload := env.mustDo(t, http.StatusOK, http.MethodGet, "/api/search?q=invoice", member, "")
	if payload["total"] != float64(1) {
		t.Fatalf("members only see approved chains, got %v", payload)
	}
	payload = env.mustDo(t, http.StatusOK, http.MethodGet, "/api/search?q=invoice", manager, "")
	if payload["total"] != float64(2) {
		t.Fatalf("approvers see pending chains too, got %v", payload)
	}
	env.mustDo(t, http.StatusUnprocessableEntity, http.MethodGet, "/api/search?q=invoice&limit=-1", manager, "")
}
