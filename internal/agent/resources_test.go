package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineContainerLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		parse   func(string) (int64, error)
		input   string
		want    int64
		wantErr bool
	}{
		{name: "memory unset is unlimited", parse: parseMemoryLimit, input: "", want: 0},
		{name: "memory zero is unlimited", parse: parseMemoryLimit, input: "0", want: 0},
		{name: "memory gigabytes", parse: parseMemoryLimit, input: "2g", want: 2 << 30},
		{name: "memory megabytes two letter", parse: parseMemoryLimit, input: "512MB", want: 512 << 20},
		{name: "memory kilobytes", parse: parseMemoryLimit, input: "64k", want: 64 << 10},
		{name: "memory explicit bytes", parse: parseMemoryLimit, input: "2048b", want: 2048},
		{name: "memory bare bytes padded", parse: parseMemoryLimit, input: " 100 ", want: 100},
		{name: "memory fraction rejected", parse: parseMemoryLimit, input: "1.5g", wantErr: true},
		{name: "memory negative rejected", parse: parseMemoryLimit, input: "-1g", wantErr: true},
		{name: "memory garbage rejected", parse: parseMemoryLimit, input: "lots", wantErr: true},

		{name: "cpu unset is unlimited", parse: parseCPULimit, input: "", want: 0},
		{name: "cpu whole cores", parse: parseCPULimit, input: "2", want: 200_000},
		{name: "cpu fractional core", parse: parseCPULimit, input: "0.25", want: 25_000},
		{name: "cpu padded", parse: parseCPULimit, input: " 1 ", want: 100_000},
		{name: "cpu negative rejected", parse: parseCPULimit, input: "-1", wantErr: true},
		{name: "cpu garbage rejected", parse: parseCPULimit, input: "all", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Zero(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
