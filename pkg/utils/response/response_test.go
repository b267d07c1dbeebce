package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"codejudge/pkg/errors"

	"github.com/gin-gonic/gin"
)

func TestErrorUsesCodeStatusAndDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	c.Set("trace_id", "trace-9")

	Error(c, errors.New(errors.JudgeDispatchFailed).WithDetail("submission_id", "sub-1"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp struct {
		Code    int                    `json:"code"`
		Details map[string]interface{} `json:"details"`
		TraceID string                 `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Code != int(errors.JudgeDispatchFailed) || resp.Details["submission_id"] != "sub-1" || resp.TraceID != "trace-9" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSuccessWithPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	SuccessWithPagination(c, []string{"a", "b"}, 21, 2, 10)

	var resp struct {
		Data Paginated `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Data.TotalPages != 3 || resp.Data.Total != 21 || resp.Data.Page != 2 {
		t.Fatalf("unexpected pagination: %+v", resp.Data)
	}
}
