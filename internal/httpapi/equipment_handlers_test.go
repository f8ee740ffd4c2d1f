package httpapi

import (
	"net/http"
	"net/url"
	"testing"

	"calibra.org/internal/auth"
	"calibra.org/internal/equipment"
)

func TestEquipmentCRUD(t *testing.T) {
	f := newTestAPI(t)
	f.seedUser("tech@example.com", "pass-word-1", "role-technician")
	f.seedUser("mgr@example.com", "pass-word-1", "role-manager")
	tech := f.login("tech@example.com", "pass-word-1")
	mgr := f.login("mgr@example.com", "pass-word-1")

	// Create
	resp := f.do(http.MethodPost, "/v1/equipment", map[string]any{
		"name":          "Torque wrench",
		"serial_number": "SN-100",
		"location":      "Lab A",
	}, bearerHeader(tech))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created equipment.Equipment
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Status != equipment.StatusActive {
		t.Fatalf("unexpected create payload %+v", created)
	}

	f.recorder.Flush()
	entries := f.auditLog.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry for the create, got %d", len(entries))
	}
	if entries[0].Action != auth.ActionCreate || entries[0].EntityID != created.ID || entries[0].EntityIdentifier != "SN-100" {
		t.Fatalf("unexpected audit entry %+v", entries[0])
	}
	f.auditLog.reset()

	// Read (not audited)
	resp = f.get("/v1/equipment/"+created.ID, nil, bearerHeader(tech))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	f.recorder.Flush()
	if len(f.auditLog.snapshot()) != 0 {
		t.Fatalf("reads must never produce audit entries")
	}

	// Update
	resp = f.do(http.MethodPut, "/v1/equipment/"+created.ID, map[string]any{
		"location": "Lab B",
		"status":   equipment.StatusUnderMaintenance,
	}, bearerHeader(tech))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated equipment.Equipment
	decodeBody(t, resp, &updated)
	if updated.Location != "Lab B" || updated.Status != equipment.StatusUnderMaintenance {
		t.Fatalf("update not applied %+v", updated)
	}
	f.recorder.Flush()
	entries = f.auditLog.snapshot()
	if len(entries) != 1 || entries[0].Action != auth.ActionUpdate {
		t.Fatalf("expected one update audit entry, got %+v", entries)
	}
	f.auditLog.reset()

	// Retire requires manager or admin; the technician is refused and the
	// refusal itself lands in the trail.
	resp = f.do(http.MethodDelete, "/v1/equipment/"+created.ID, nil, bearerHeader(tech))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for technician delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	f.recorder.Flush()
	entries = f.auditLog.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one entry for the refused delete, got %d", len(entries))
	}
	if entries[0].Success || entries[0].StatusCode != http.StatusForbidden {
		t.Fatalf("refused delete recorded wrong: %+v", entries[0])
	}
	if entries[0].EntityID != created.ID || entries[0].ErrorMessage != "Access denied: insufficient permissions" {
		t.Fatalf("refused delete missing context: %+v", entries[0])
	}
	f.auditLog.reset()

	resp = f.do(http.MethodDelete, "/v1/equipment/"+created.ID, nil, bearerHeader(mgr))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	f.recorder.Flush()
	entries = f.auditLog.snapshot()
	if len(entries) != 1 || entries[0].Action != auth.ActionDelete || entries[0].EntityID != created.ID {
		t.Fatalf("expected one delete audit entry, got %+v", entries)
	}

	// Retire is soft: the item is still readable.
	resp = f.get("/v1/equipment/"+created.ID, nil, bearerHeader(tech))
	var after equipment.Equipment
	decodeBody(t, resp, &after)
	if after.Status != equipment.StatusRetired {
		t.Fatalf("status = %q", after.Status)
	}
}

func TestEquipmentValidation(t *testing.T) {
	f := newTestAPI(t)
	f.seedUser("tech@example.com", "pass-word-1", "role-technician")
	tech := f.login("tech@example.com", "pass-word-1")

	resp := f.do(http.MethodPost, "/v1/equipment", map[string]any{
		"name": "Nameless",
	}, bearerHeader(tech))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		Errors []string `json:"errors"`
	}
	decodeBody(t, resp, &body)
	if len(body.Errors) != 2 {
		t.Fatalf("expected serial and location problems, got %v", body.Errors)
	}
	f.recorder.Flush()
	entries := f.auditLog.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one entry for the rejected create, got %d", len(entries))
	}
	if entries[0].Success || entries[0].StatusCode != http.StatusBadRequest {
		t.Fatalf("rejected create recorded wrong: %+v", entries[0])
	}
	if entries[0].ErrorMessage != "serial_number is required; location is required" {
		t.Fatalf("error message = %q", entries[0].ErrorMessage)
	}
}

func TestEquipmentDuplicateSerial(t *testing.T) {
	f := newTestAPI(t)
	f.seedUser("tech@example.com", "pass-word-1", "role-technician")
	tech := f.login("tech@example.com", "pass-word-1")

	payload := map[string]any{"name": "Scale", "serial_number": "SN-1", "location": "Lab"}
	resp := f.do(http.MethodPost, "/v1/equipment", payload, bearerHeader(tech))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(http.MethodPost, "/v1/equipment", payload, bearerHeader(tech))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEquipmentListFilters(t *testing.T) {
	f := newTestAPI(t)
	f.seedUser("tech@example.com", "pass-word-1", "role-technician")
	tech := f.login("tech@example.com", "pass-word-1")

	for _, p := range []map[string]any{
		{"name": "Scale A", "serial_number": "SN-1", "location": "Lab", "department": "QA"},
		{"name": "Scale B", "serial_number": "SN-2", "location": "Lab", "department": "Production"},
	} {
		resp := f.do(http.MethodPost, "/v1/equipment", p, bearerHeader(tech))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed create failed: %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := f.get("/v1/equipment", url.Values{"department": {"QA"}}, bearerHeader(tech))
	var body struct {
		Equipment []equipment.Equipment `json:"equipment"`
	}
	decodeBody(t, resp, &body)
	if len(body.Equipment) != 1 || body.Equipment[0].Name != "Scale A" {
		t.Fatalf("filter result %+v", body.Equipment)
	}

	resp = f.get("/v1/equipment", url.Values{"status": {"bogus"}}, bearerHeader(tech))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDashboardMetrics(t *testing.T) {
	f := newTestAPI(t)
	f.seedUser("tech@example.com", "pass-word-1", "role-technician")
	tech := f.login("tech@example.com", "pass-word-1")

	resp := f.do(http.MethodPost, "/v1/equipment", map[string]any{
		"name": "Scale", "serial_number": "SN-1", "location": "Lab",
	}, bearerHeader(tech))
	resp.Body.Close()

	resp = f.get("/v1/dashboard/metrics", nil, bearerHeader(tech))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var metrics equipment.DashboardMetrics
	decodeBody(t, resp, &metrics)
	if metrics.Total != 1 {
		t.Fatalf("total = %d", metrics.Total)
	}
}

func TestAuditorReadsEquipment(t *testing.T) {
	f := newTestAPI(t)
	f.seedUser("tech@example.com", "pass-word-1", "role-technician")
	tech := f.login("tech@example.com", "pass-word-1")
	resp := f.do(http.MethodPost, "/v1/equipment", map[string]any{
		"name": "Scale", "serial_number": "SN-1", "location": "Lab",
	}, bearerHeader(tech))
	resp.Body.Close()

	token := f.mintAuditorToken("equipment")
	resp = f.get("/v1/equipment", nil, auditorHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Equipment []equipment.Equipment `json:"equipment"`
	}
	decodeBody(t, resp, &body)
	if len(body.Equipment) != 1 {
		t.Fatalf("auditor sees %d items", len(body.Equipment))
	}
}
