package anomaly

import (
	"math/rand"
	"testing"
)

// gaussianCloud samples n points from N(0, I_dims) with a fixed seed.
func gaussianCloud(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	for i := range X {
		row := make([]float64, dims)
		for d := range row {
			row[d] = rng.NormFloat64()
		}
		X[i] = row
	}
	return X
}

func TestBackendsRegistry(t *testing.T) {
	infos := Backends()
	byName := map[string]BackendInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}

	want := []string{"autoencoder", "ecod", "hbos", "isolation_forest", "knn", "local_outlier_factor", "mad", "one_class_svm"}
	for _, name := range want {
		if _, ok := byName[name]; !ok {
			t.Errorf("backend %q not registered", name)
		}
	}

	legacy := map[string]bool{
		"isolation_forest":     true,
		"one_class_svm":        true,
		"local_outlier_factor": true,
		"autoencoder":          true,
	}
	for _, info := range infos {
		if info.Legacy != legacy[info.Name] {
			t.Errorf("backend %q legacy = %v, want %v", info.Name, info.Legacy, legacy[info.Name])
		}
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "nope"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestECODSeparatesObviousOutlier(t *testing.T) {
	m, err := New(Config{Backend: "ecod", Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(gaussianCloud(100, 2, 1)); err != nil {
		t.Fatal(err)
	}

	scores, err := m.Score([][]float64{{0, 0}, {10, 10}})
	if err != nil {
		t.Fatal(err)
	}
	if scores[1] <= scores[0] {
		t.Fatalf("outlier score %v not above inlier score %v", scores[1], scores[0])
	}
}

func TestAllBackendsSeparateOutlier(t *testing.T) {
	train := gaussianCloud(200, 2, 7)
	for _, info := range Backends() {
		info := info
		t.Run(info.Name, func(t *testing.T) {
			m, err := New(Config{Backend: info.Name, Seed: 42})
			if err != nil {
				t.Fatal(err)
			}
			if err := m.Fit(train); err != nil {
				t.Fatal(err)
			}
			scores, err := m.Score([][]float64{{0.1, -0.1}, {12, 12}})
			if err != nil {
				t.Fatal(err)
			}
			if scores[1] <= scores[0] {
				t.Errorf("%s: outlier %v not above inlier %v", info.Name, scores[1], scores[0])
			}
		})
	}
}

func TestScoreBeforeFit(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Score([][]float64{{1}}); err != ErrNotFitted {
		t.Fatalf("got %v, want ErrNotFitted", err)
	}
}

func TestCallerThresholdOverride(t *testing.T) {
	thr := 0.5
	m, err := New(Config{Backend: "mad", Threshold: &thr, Normalization: NormRaw})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(gaussianCloud(50, 1, 3)); err != nil {
		t.Fatal(err)
	}
	if m.Threshold() != 0.5 {
		t.Fatalf("threshold = %v, want caller override 0.5", m.Threshold())
	}
}

func TestContaminationThreshold(t *testing.T) {
	m, err := New(Config{Backend: "ecod", Contamination: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	train := gaussianCloud(200, 2, 5)
	if err := m.Fit(train); err != nil {
		t.Fatal(err)
	}

	labels, err := m.Predict(train)
	if err != nil {
		t.Fatal(err)
	}
	flagged := 0
	for _, l := range labels {
		flagged += l
	}
	// The quantile threshold should flag roughly the contamination share
	// of the training data.
	if flagged == 0 || flagged > 40 {
		t.Fatalf("flagged %d of 200 training rows with contamination 0.1", flagged)
	}
}

func TestNormalizationModes(t *testing.T) {
	scores := []float64{1, 2, 3, 4, 5}
	stats := ComputeNormStats(scores)

	std := NormalizeScores(scores, NormStandardization, stats)
	for i, v := range std {
		if v < 0 || v > 1 {
			t.Errorf("standardization[%d] = %v outside [0,1]", i, v)
		}
	}
	for i := 1; i < len(std); i++ {
		if std[i] <= std[i-1] {
			t.Errorf("standardization not order-preserving at %d", i)
		}
	}

	raw := NormalizeScores(scores, NormRaw, stats)
	for i := range scores {
		if raw[i] != scores[i] {
			t.Errorf("raw[%d] = %v, want %v", i, raw[i], scores[i])
		}
	}

	z := NormalizeScores(scores, NormZScore, stats)
	var sum float64
	for _, v := range z {
		sum += v
	}
	if sum > 1e-9 || sum < -1e-9 {
		t.Errorf("zscore sum = %v, want ~0", sum)
	}
}

func TestComputeNormStatsDegenerate(t *testing.T) {
	stats := ComputeNormStats([]float64{3, 3, 3})
	if stats.Std != 1 {
		t.Fatalf("degenerate std = %v, want 1", stats.Std)
	}
	if stats.Mean != 3 {
		t.Fatalf("mean = %v, want 3", stats.Mean)
	}
}

func TestAutoencoderReproducibleWithSeed(t *testing.T) {
	train := gaussianCloud(100, 3, 11)
	probe := [][]float64{{0, 0, 0}, {5, -5, 5}}

	run := func() []float64 {
		m, err := New(Config{Backend: "autoencoder", Seed: 99, Params: Params{"epochs": 10}})
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Fit(train); err != nil {
			t.Fatal(err)
		}
		scores, err := m.Score(probe)
		if err != nil {
			t.Fatal(err)
		}
		return scores
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded runs differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}
