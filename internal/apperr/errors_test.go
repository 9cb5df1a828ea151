package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("load channel: %w", NotFound("get channel", "no such channel"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(nil, KindNotFound))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorText(t *testing.T) {
	cause := errors.New("connection refused")
	assert.Equal(t, "send: empty", Validation("send", "empty").Error())
	assert.Equal(t, "send: connection refused", Transient("send", cause).Error())
	assert.ErrorIs(t, Transient("send", cause), cause)
	assert.Equal(t, "create: conflict", Conflict("create", nil).Error())
}

func TestStatusMappingRoundTrips(t *testing.T) {
	for _, err := range []error{
		Validation("op", "m"),
		AccessDenied("op", "m"),
		Conflict("op", errors.New("dup")),
		NotFound("op", "m"),
		Transient("op", errors.New("down")),
	} {
		back := FromStatus("op", HTTPStatus(err), "m")
		assert.Equal(t, KindOf(err), KindOf(back), err.Error())
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	assert.True(t, Is(FromStatus("op", http.StatusUnauthorized, "m"), KindAccessDenied))
	assert.True(t, Is(FromStatus("op", http.StatusTooManyRequests, "m"), KindTransient))
	assert.True(t, Is(FromStatus("op", http.StatusBadGateway, "m"), KindTransient))
}
