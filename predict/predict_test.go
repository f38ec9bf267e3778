package predict

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/occant/occant/anticipator"
	"github.com/occant/occant/common"
	"github.com/occant/occant/config"
	"github.com/occant/occant/tensor"
)

func newModel(t *testing.T) *anticipator.Anticipator {
	cfg := config.Default()
	cfg.Type = "occant_depth"
	cfg.GPAnticipation.UNetNSF = 2
	a, err := anticipator.New(cfg)
	require.NoError(t, err)
	return a
}

func TestBatchPredictMatchesSequential(t *testing.T) {
	a := newModel(t)
	rng := rand.New(rand.NewSource(1))
	batches := make([]anticipator.Observations, 6)
	for i := range batches {
		batches[i] = anticipator.Observations{
			anticipator.KeyEgoMapGT: tensor.Uniform(rng, 0, 1, 1, 2, 16, 16),
		}
	}
	got, err := BatchPredict(a, batches, 1)
	require.NoError(t, err)
	require.Len(t, got, len(batches))
	for i, x := range batches {
		want, err := a.Forward(x)
		require.NoError(t, err)
		require.True(t, tensor.EqualApprox(want[anticipator.KeyOccEstimate], got[i][anticipator.KeyOccEstimate], 1e-12), "batch %d", i)
	}
}

func TestBatchPredictError(t *testing.T) {
	a := newModel(t)
	rng := rand.New(rand.NewSource(2))
	batches := []anticipator.Observations{
		{anticipator.KeyEgoMapGT: tensor.Uniform(rng, 0, 1, 1, 2, 16, 16)},
		{anticipator.KeyRGB: tensor.Uniform(rng, 0, 1, 1, 3, 16, 16)},
		{anticipator.KeyEgoMapGT: tensor.Uniform(rng, 0, 1, 1, 2, 16, 16)},
	}
	got, err := BatchPredict(a, batches, 2)
	require.ErrorIs(t, err, common.ErrMissingInputKey)
	require.NotNil(t, got[0])
	require.Nil(t, got[1])
	require.NotNil(t, got[2])

	got, err = BatchPredict(a, nil, 1)
	require.NoError(t, err)
	require.Empty(t, got)
}
