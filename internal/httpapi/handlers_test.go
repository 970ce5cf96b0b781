package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledgerdesk/backend/internal/cache"
	"ledgerdesk/backend/internal/catalog"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/importer"
	"ledgerdesk/backend/internal/ledger"
	"ledgerdesk/backend/internal/lock"
	"ledgerdesk/backend/internal/logging"
	"ledgerdesk/backend/internal/service"
	"ledgerdesk/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	log := logging.Discard()
	cat := catalog.New(repo, cache.NoopCatalogCache{}, time.Minute, log)
	svc := service.New(repo, ledger.New(repo, log), cat, importer.New(repo, cat, log), lock.NewLocalLocker(), log)
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, Options{AllowedOrigin: "*", Logger: log})
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

// doJSON sends payload as JSON with the given bearer token. Mutating
// requests carry a fresh CSRF token.
func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{"username": "admin", "password": "admin123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.AccessToken == "" || resp.UserID != "usr-admin" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "employee", "employee123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	products, ok := decodeBody(t, rec)["products"].([]any)
	if !ok || len(products) != 2 {
		t.Fatalf("expected two seeded products, got %v", products)
	}
}

func TestEmployeeCannotCreateProduct(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "employee", "employee123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{"name": "Tea", "price": "10"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCreateInvoiceAndFetchIt(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "employee", "employee123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/invoices", token, map[string]any{
		"serial":      "INV-100",
		"customer_id": "cus-acme",
		"collection":  "50",
		"items":       []map[string]any{{"product_id": "prd-water", "quantity": 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.CreateInvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode invoice response: %v", err)
	}
	if created.Serial != "INV-100" || created.Total.String() != "200" || created.Balance.String() != "150" {
		t.Fatalf("unexpected invoice response %+v", created)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/invoices/"+created.InvoiceID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/invoices/inv-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown invoice, got %d", rec.Code)
	}
}

func TestCreateInvoiceErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "employee", "employee123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/invoices", token, map[string]any{
		"serial":      "INV-1",
		"customer_id": "cus-acme",
		"items":       []map[string]any{{"product_id": "prd-water", "quantity": 11}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["code"] != "insufficient_stock" || body["product_id"] != "prd-water" {
		t.Fatalf("unexpected oversell body %v", body)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/invoices", token, map[string]any{"customer_id": "cus-acme"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing serial, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["field"] != "serial" {
		t.Fatalf("expected field serial, got %v", body)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/invoices", token, map[string]any{"serial": "X", "customer_id": "cus-acme", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestJournalCorrectionRequiresSupervisor(t *testing.T) {
	api := newTestAPI(t)
	employee := loginAs(t, api, "employee", "employee123")
	manager := loginAs(t, api, "manager", "manager123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/invoices", employee, map[string]any{
		"serial":      "INV-1",
		"customer_id": "cus-acme",
		"items":       []map[string]any{{"product_id": "prd-oil", "quantity": 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/journal", employee, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list journal: %d %s", rec.Code, rec.Body.String())
	}
	var report domain.JournalReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if len(report.Entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(report.Entries))
	}
	path := "/api/v1/journal/" + report.Entries[0].ID

	rec = doJSON(t, api, http.MethodPatch, path, employee, map[string]any{"collection": "100"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee correction, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPatch, path, manager, map[string]any{"collection": "100"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager correction, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/customers/cus-acme/ledger-check", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger check: %d %s", rec.Code, rec.Body.String())
	}
	var check domain.DebtCheck
	if err := json.NewDecoder(rec.Body).Decode(&check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if !check.Consistent || check.Stored.String() != "400" {
		t.Fatalf("unexpected debt check %+v", check)
	}
}

func TestImportUpload(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAs(t, api, "manager", "manager123")

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "journal.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("Date,Customer,Product,Size,Price,Quantity,Total\n" +
		"01/03/2026,Acme Trading,Mineral Water 1.5L,1.5L,100,2,200\n" +
		"02/03/2026,Acme Trading,collection,,,,-50\n"))
	_ = form.WriteField("owner_id", "usr-employee")
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/import", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+manager)
	req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var result domain.ImportResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode import result: %v", err)
	}
	if result.Created != 2 || result.Failed != 0 {
		t.Fatalf("unexpected import result %+v", result)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/customers/cus-acme/summary", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: %d %s", rec.Code, rec.Body.String())
	}
	var summary domain.CustomerSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Customer.TotalDebt.String() != "150" || summary.Totals.Count != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestImportRequiresFile(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAs(t, api, "manager", "manager123")

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("owner_id", "usr-employee")
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/import", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+manager)
	req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", rec.Code)
	}
}

func TestPublicOrderIntake(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]any{
		"name":  "Mona",
		"email": "mona@example.com",
		"items": []map[string]any{{"product_id": "prd-oil", "quantity": 2}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for public order, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	employee := loginAs(t, api, "employee", "employee123")
	if rec := doJSON(t, api, http.MethodGet, "/api/v1/orders", employee, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee order list, got %d", rec.Code)
	}

	manager := loginAs(t, api, "manager", "manager123")
	rec = doJSON(t, api, http.MethodGet, "/api/v1/orders", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager order list, got %d", rec.Code)
	}
	orders, ok := decodeBody(t, rec)["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected one order, got %v", orders)
	}
}

func TestDeleteProductIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	manager := loginAs(t, api, "manager", "manager123")
	admin := loginAs(t, api, "admin", "admin123")

	if rec := doJSON(t, api, http.MethodDelete, "/api/v1/products/prd-oil", manager, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager delete, got %d", rec.Code)
	}
	if rec := doJSON(t, api, http.MethodDelete, "/api/v1/products/prd-oil", admin, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin delete, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, api, http.MethodDelete, "/api/v1/products/prd-oil", admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", rec.Code)
	}
}
