package search_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/sweep/internal/search"
)

func yoloSpace() search.Space {
	return search.Space{
		search.IntRange("epochs", 2, 5).WithAbbrev("e"),
		search.Categorical("imgsz", 320, 416).WithAbbrev("img"),
	}
}

func TestRunName(t *testing.T) {
	space := yoloSpace()
	cfg, err := search.NewConfiguration(space, map[string]any{"epochs": 3, "imgsz": 320})
	require.NoError(t, err)

	assert.Equal(t, "t_trial0_e3_img320", space.RunName("t", 0, cfg))
	// Deterministic across invocations.
	assert.Equal(t, space.RunName("t", 0, cfg), space.RunName("t", 0, cfg))
}

func TestRunNameDistinct(t *testing.T) {
	space := yoloSpace()
	sampler, err := search.NewGridSampler(space)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < sampler.Size(); i++ {
		p, err := sampler.Ask()
		require.NoError(t, err)
		name := space.RunName("optuna_yolo", p.Index, p.Config)
		assert.False(t, seen[name], "duplicate run name %s", name)
		seen[name] = true
		require.NoError(t, sampler.Tell(p.Index, 0))
	}
	assert.Len(t, seen, 8)
}

func TestRunNameFloatAndUndeclared(t *testing.T) {
	space := search.Space{search.FloatRange("lr", 0.0001, 0.1)}
	cfg := search.FromMap(map[string]any{"lr": 0.01, "batch": 16})
	assert.Equal(t, "p_trial2_lr0.01_batch16", space.RunName("p", 2, cfg))
}

func TestSpaceValidate(t *testing.T) {
	tests := []struct {
		name  string
		space search.Space
		ok    bool
	}{
		{"yolo", yoloSpace(), true},
		{"empty", search.Space{}, false},
		{"inverted range", search.Space{search.IntRange("epochs", 5, 2)}, false},
		{"no values", search.Space{search.Categorical("imgsz")}, false},
		{"duplicate", search.Space{search.IntRange("a", 1, 2), search.IntRange("a", 1, 2)}, false},
		{"unnamed", search.Space{search.IntRange("", 1, 2)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.space.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, search.ErrInvalidSpace)
			}
		})
	}
}

func TestNewConfigurationRejectsOutOfSpace(t *testing.T) {
	space := yoloSpace()
	_, err := search.NewConfiguration(space, map[string]any{"epochs": 9, "imgsz": 320})
	assert.Error(t, err)
	_, err = search.NewConfiguration(space, map[string]any{"epochs": 3, "imgsz": 512})
	assert.Error(t, err)
	_, err = search.NewConfiguration(space, map[string]any{"epochs": 3})
	assert.Error(t, err)
	_, err = search.NewConfiguration(space, map[string]any{"epochs": 3, "imgsz": 320, "lr": 1})
	assert.Error(t, err)
}

func TestRandomSamplerStaysInSpace(t *testing.T) {
	space := yoloSpace()
	sampler, err := search.NewRandomSampler(space, 42)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		p, err := sampler.Ask()
		require.NoError(t, err)
		assert.Equal(t, i, p.Index)

		epochs, ok := p.Config.Int("epochs")
		require.True(t, ok)
		assert.GreaterOrEqual(t, epochs, 2)
		assert.LessOrEqual(t, epochs, 5)

		imgsz, ok := p.Config.Int("imgsz")
		require.True(t, ok)
		assert.Contains(t, []int{320, 416}, imgsz)

		require.NoError(t, sampler.Tell(p.Index, float64(i)))
	}
	assert.Len(t, sampler.Observations(), 50)
}

func TestRandomSamplerSeeded(t *testing.T) {
	a, _ := search.NewRandomSampler(yoloSpace(), 7)
	b, _ := search.NewRandomSampler(yoloSpace(), 7)
	for i := 0; i < 10; i++ {
		pa, _ := a.Ask()
		pb, _ := b.Ask()
		assert.Equal(t, pa.Config.String(), pb.Config.String())
		a.Tell(pa.Index, 0)
		b.Tell(pb.Index, 0)
	}
}

func TestAskRequiresTell(t *testing.T) {
	sampler, err := search.NewRandomSampler(yoloSpace(), 1)
	require.NoError(t, err)

	p, err := sampler.Ask()
	require.NoError(t, err)

	_, err = sampler.Ask()
	var perr *search.ProposalError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, search.ErrPendingTrial)

	assert.Error(t, sampler.Tell(p.Index+1, 0.5))
	require.NoError(t, sampler.Tell(p.Index, 0.5))
	assert.Error(t, sampler.Tell(p.Index, 0.5))
}

func TestGridSamplerExhausts(t *testing.T) {
	sampler, err := search.NewGridSampler(search.Space{
		search.IntRange("epochs", 3, 4),
		search.Categorical("imgsz", 320, 416),
	})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		p, err := sampler.Ask()
		require.NoError(t, err)
		got = append(got, p.Config.String())
		require.NoError(t, sampler.Tell(p.Index, 0))
	}
	assert.Equal(t, []string{
		"epochs=3 imgsz=320",
		"epochs=3 imgsz=416",
		"epochs=4 imgsz=320",
		"epochs=4 imgsz=416",
	}, got)

	_, err = sampler.Ask()
	assert.True(t, errors.Is(err, search.ErrSpaceExhausted))
}

func TestGridSamplerRejectsFloat(t *testing.T) {
	_, err := search.NewGridSampler(search.Space{search.FloatRange("lr", 0.1, 0.2)})
	assert.ErrorIs(t, err, search.ErrInvalidSpace)
}

func TestNewSamplerUnknown(t *testing.T) {
	_, err := search.NewSampler("tpe", yoloSpace(), 0)
	assert.ErrorIs(t, err, search.ErrInvalidSpace)
}

func TestConfigurationParamsAndJSON(t *testing.T) {
	cfg, err := search.NewConfiguration(yoloSpace(), map[string]any{"epochs": 3, "imgsz": 416})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"epochs": "3", "imgsz": "416"}, cfg.Params())
	assert.Equal(t, []string{"epochs", "imgsz"}, cfg.Names())

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	var back search.Configuration
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg.Params(), back.Params())
}
