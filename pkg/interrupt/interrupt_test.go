package interrupt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRunsHandlersInReverse(t *testing.T) {
	var order []int
	AddHandler(func() { order = append(order, 1) })
	AddHandler(func() { order = append(order, 2) })
	assert.False(t, Requested())
	Request()
	Request()
	select {
	case <-HandlersDone:
	case <-time.After(time.Second):
		require.FailNow(t, "handlers did not run")
	}
	assert.True(t, Requested())
	assert.Equal(t, []int{2, 1}, order)
}
