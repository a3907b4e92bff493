package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "bare kind",
			err:  New(CacheCorrupt, ""),
			want: "cache_corrupt",
		},
		{
			name: "with detail",
			err:  New(ConfigError, "missing option foo"),
			want: "config_error: missing option foo",
		},
		{
			name: "with plugin and run",
			err:  New(PluginTimeout, "exceeded 30s").WithPlugin("filtered").WithRun("run-1"),
			want: "plugin_timeout plugin=filtered run_id=run-1: exceeded 30s",
		},
		{
			name: "with option",
			err:  New(ConfigError, "out of range").WithPlugin("resample").WithOption("rate"),
			want: "config_error plugin=resample option=rate: out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IOError, "writing artifact", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")
}

func TestKindOf(t *testing.T) {
	raw := New(StorageBusy, "lock held")
	wrapped := fmt.Errorf("get_data failed: %w", raw)

	assert.Equal(t, StorageBusy, KindOf(raw))
	assert.Equal(t, StorageBusy, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain error")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(CycleDetected, "a -> b -> a")
	b := New(CycleDetected, "different detail")
	c := New(SchemaMismatch, "")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
