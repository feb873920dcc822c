package pkg

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteTextResponseOK(rr, "all good")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "all good", rr.Body.String())
	assert.Equal(t, ContentType.Text, rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	WriteJSONResponseOK(rr, `{"authenticated": true}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"authenticated": true}`, rr.Body.String())
	assert.Equal(t, ContentType.JSON, rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	WriteResponse(rr, ContentType.JSON, `{"authenticated": false}`, http.StatusUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, `{"authenticated": false}`, rr.Body.String())
}
