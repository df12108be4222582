package deal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// newHandlerRig builds a gin engine with the deal routes mounted and a
// shim standing in for the auth middleware: the caller's account comes
// from the X-Test-Account header.
func newHandlerRig(ml *mockLedger) (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(ml)
	h := NewHandler(svc)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("authAccountID", c.GetHeader("X-Test-Account"))
	})
	grp := r.Group("/v1")
	h.RegisterRoutes(grp)
	h.RegisterProtectedRoutes(grp)
	return r, svc
}

func doClaim(t *testing.T, r *gin.Engine, dealID, account string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/deals/"+dealID+"/claim", nil)
	req.Header.Set("X-Test-Account", account)
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

// A shortfall at write time (balance moved between the check and the
// hold) must surface as 402, not as an internal error.
func TestClaimHandler_WriteTimeInsufficientFunds(t *testing.T) {
	ml := newMockLedger()
	ml.holdErr = ErrInsufficientFunds
	r, svc := newHandlerRig(ml)

	d, err := svc.CreateDeal(context.Background(), "acc_seller", "Vintage camera", "", "100")
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}

	w := doClaim(t, r, d.ID, "acc_buyer")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "insufficient_funds" {
		t.Errorf("error = %q, want insufficient_funds", code)
	}
}

func TestClaimHandler_UnknownAccount(t *testing.T) {
	ml := newMockLedger()
	ml.holdErr = ErrAccountNotFound
	r, svc := newHandlerRig(ml)

	d, err := svc.CreateDeal(context.Background(), "acc_seller", "Vintage camera", "", "100")
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}

	w := doClaim(t, r, d.ID, "acc_ghost")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "account_not_found" {
		t.Errorf("error = %q, want account_not_found", code)
	}
}
