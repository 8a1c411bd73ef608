package common

import (
	"context"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRequestParamLogTags(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	original := log.Fields{"module": "common"}

	// Case 0: a context without request parameters leaves the tags unchanged
	tags, err := UpdateLogTags(context.Background(), original)
	assert.NotNil(err)
	assert.Equal(original, tags)

	// Case 1: request parameters in the context extend a copy of the tags
	params := RequestParam{ID: "unit-test-req-0", Method: "GET", URI: "/v1/subscription"}
	ctxt := context.WithValue(context.Background(), RequestParam{}, params)
	tags, err = UpdateLogTags(ctxt, original)
	assert.Nil(err)
	assert.Equal("unit-test-req-0", tags["request_id"])
	assert.Equal("GET", tags["request_method"])
	assert.Equal("common", tags["module"])
	// the original map is not mutated
	assert.Len(original, 1)
}
