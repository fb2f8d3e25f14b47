package chassisctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allSlots() map[int]bool {
	m := make(map[int]bool, 12)
	for i := 1; i <= 12; i++ {
		m[i] = true
	}
	return m
}

func TestBuildRecord_Layout(t *testing.T) {
	buf := buildRecord("RESET", map[int]bool{1: true, 3: true}, 0xAABBCCDD)
	require.Len(t, buf, recordSize)
	assert.Equal(t, "ETHSWB\x00\x00", string(buf[0:8]))
	assert.Equal(t, "RESET\x00\x00\x00", string(buf[24:32]))
	assert.Equal(t, byte(1), buf[32+0]) // slot 1
	assert.Equal(t, byte(0), buf[32+1]) // slot 2
	assert.Equal(t, byte(1), buf[32+2]) // slot 3
}

func TestParseResponse_AllSuccess(t *testing.T) {
	resp := make([]byte, recordSize)
	result, slots := parseResponse(resp, allSlots())
	assert.Equal(t, ResultSuccess, result)
	assert.Len(t, slots, 12)
}

func TestParseResponse_Mixed(t *testing.T) {
	resp := make([]byte, recordSize)
	resp[32+0] = 0 // success
	resp[32+1] = 1 // failure
	result, _ := parseResponse(resp, map[int]bool{1: true, 2: true})
	assert.Equal(t, ResultPartialSuccess, result)
}

func TestParseResponse_AllFailure(t *testing.T) {
	resp := make([]byte, recordSize)
	for i := 0; i < 12; i++ {
		resp[32+i] = 1
	}
	result, _ := parseResponse(resp, allSlots())
	assert.Equal(t, ResultInvalidResponse, result)
}

// A zero byte for a slot nobody asked about means "untouched", not
// "succeeded" — only requested slots may appear in the outcome.
func TestParseResponse_OnlyRequestedSlotsReported(t *testing.T) {
	resp := make([]byte, recordSize) // every slot byte 0
	resp[32+2] = 1                   // requested slot 3 failed

	result, slots := parseResponse(resp, map[int]bool{3: true})
	assert.Equal(t, ResultInvalidResponse, result)
	require.Len(t, slots, 1)
	assert.Equal(t, 3, slots[0].Slot)
	assert.False(t, slots[0].Success)

	resp[32+2] = 0
	result, slots = parseResponse(resp, map[int]bool{3: true})
	assert.Equal(t, ResultSuccess, result)
	require.Len(t, slots, 1)
	assert.Equal(t, 3, slots[0].Slot)
	assert.True(t, slots[0].Success)
}

// An undersized response is always INVALID_RESPONSE, never silently
// treated as SUCCESS.
func TestParseResponse_ShortResponse(t *testing.T) {
	result, slots := parseResponse(make([]byte, 10), allSlots())
	assert.Equal(t, ResultInvalidResponse, result)
	assert.Nil(t, slots)
}

func TestParseResponse_NoSlotsRequested(t *testing.T) {
	result, slots := parseResponse(make([]byte, recordSize), nil)
	assert.Equal(t, ResultInvalidResponse, result)
	assert.Empty(t, slots)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "SUCCESS", ResultSuccess.String())
	assert.Equal(t, "TIMEOUT_ERROR", ResultTimeoutError.String())
}
