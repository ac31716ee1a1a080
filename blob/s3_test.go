package blob

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(fmt.Errorf("operation error S3: HeadObject: %w", &types.NotFound{})))
	assert.True(t, isNotFound(&types.NoSuchKey{}))

	assert.False(t, isNotFound(errors.New("access denied")))
	assert.False(t, isNotFound(fmt.Errorf("dial tcp: connection refused")))
}
