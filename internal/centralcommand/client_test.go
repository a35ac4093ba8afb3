package centralcommand

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckinSendsExpectedRequestAndParsesResponse(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody CheckinRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		resp := CheckinResponse{
			Status:          "ok",
			ApplianceID:     "appl-1",
			ServerPublicKey: "deadbeef",
			PendingOrders: []Order{
				{ID: "ord-1", Action: "force_checkin"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(server.URL, "test-api-key")
	resp, err := c.Checkin(context.Background(), SystemInfo("site-1", "1.0.0"))
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}

	if gotPath != "/api/appliances/checkin" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer test-api-key" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotBody.SiteID != "site-1" {
		t.Fatalf("unexpected site_id in request body: %s", gotBody.SiteID)
	}
	if resp.ApplianceID != "appl-1" || len(resp.PendingOrders) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCheckinReturnsErrorOnNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "test-api-key")
	if _, err := c.Checkin(context.Background(), SystemInfo("site-1", "1.0.0")); err == nil {
		t.Fatal("expected error on non-200 checkin response")
	}
}

func TestCompleteOrderPostsToExpectedPath(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "test-api-key")
	if err := c.CompleteOrder(context.Background(), "ord-42", true, map[string]interface{}{"status": "done"}, ""); err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}

	if gotPath != "/api/appliances/orders/ord-42/complete" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotBody["order_id"] != "ord-42" || gotBody["success"] != true {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestClassifyConnectivityError(t *testing.T) {
	if got := classifyConnectivityError(nil); got != "ok" {
		t.Fatalf("expected ok for nil error, got %s", got)
	}
}
