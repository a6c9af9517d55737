package service

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/nmf"
	"github.com/soma-tiles/scmtl/internal/rejection"
	"github.com/soma-tiles/scmtl/internal/runstore"
	"github.com/soma-tiles/scmtl/internal/transfer"
)

type fixture struct {
	dir   string
	store *runstore.Store
	svc   *TransferService
}

func blocks(rng *rand.Rand, genes, cells, groups int) *mat.Dense {
	x := mat.NewDense(genes, cells, nil)
	per := genes / groups
	for j := 0; j < cells; j++ {
		for i := 0; i < genes; i++ {
			v := rng.Float64()
			if i/per == j%groups {
				v += 4 + 2*rng.Float64()
			}
			x.Set(i, j, v)
		}
	}
	return x
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func newFixture(t *testing.T, toy bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(11))

	ids := make([]string, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("G%03d", i)
	}
	labels := make([]string, 16)
	for j := range labels {
		labels[j] = fmt.Sprintf("type%d", j%4)
	}

	require.NoError(t, dataset.WriteMatrixFile(filepath.Join(dir, "source.tsv.zst"), blocks(rng, 40, 24, 4)))
	require.NoError(t, dataset.WriteMatrixFile(filepath.Join(dir, "target.tsv"), blocks(rng, 40, 16, 4)))
	writeLines(t, filepath.Join(dir, "genes.tsv"), ids)
	writeLines(t, filepath.Join(dir, "labels.tsv"), labels)

	store, err := runstore.NewStore(filepath.Join(dir, "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := nmf.DefaultParams()
	p.K = 4
	loader := dataset.NewLoader(nil)
	svc, err := NewTransferService(TransferServiceConfig{
		Distance: transfer.Config{
			SourcePath:        filepath.Join(dir, "source.tsv.zst"),
			SourceGeneIDsPath: filepath.Join(dir, "genes.tsv"),
			Metric:            "euclidean",
			Mixture:           0.1,
			NMF:               p,
		},
		Toy:     toy,
		Targets: loader,
		Sources: loader,
	})
	require.NoError(t, err)
	return &fixture{dir: dir, store: store, svc: svc}
}

func (f *fixture) submit(t *testing.T, id string, params runstore.JobParams) {
	t.Helper()
	params.TargetPath = filepath.Join(f.dir, "target.tsv")
	params.TargetGeneIDsPath = filepath.Join(f.dir, "genes.tsv")
	require.NoError(t, f.store.CreateJob(&runstore.Job{
		ID:        id,
		Status:    runstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}))
}

func TestExecuteJob_PersistsResults(t *testing.T) {
	f := newFixture(t, false)
	mixture := 0.5
	f.submit(t, "job-1", runstore.JobParams{
		TargetLabelsPath: filepath.Join(f.dir, "labels.tsv"),
		Metric:           "pearson",
		Mixture:          &mixture,
	})

	require.NoError(t, f.svc.ExecuteJob(context.Background(), f.store, "job-1"))

	job, err := f.store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, job.Progress.Phase)
	assert.Equal(t, 16, job.Summary.Cells)
	assert.Equal(t, 40, job.Summary.SharedGenes)
	assert.Equal(t, 0.5, job.Summary.Mixture)

	d, err := f.store.LoadDistance("job-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 16, d.SymmetricDim())

	scores, err := f.store.QueryScores("job-1", rejection.Kurtosis)
	require.NoError(t, err)
	assert.Len(t, scores, 16)

	all, err := f.store.QueryScores("job-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 16*len(rejection.Names))
}

func TestExecuteJob_Toy(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "toy", runstore.JobParams{})

	require.NoError(t, f.svc.ExecuteJob(context.Background(), f.store, "toy"))

	d, err := f.store.LoadDistance("toy")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 16, d.SymmetricDim())

	scores, err := f.store.QueryScores("toy", "")
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestExecuteJob_Errors(t *testing.T) {
	f := newFixture(t, false)

	err := f.svc.ExecuteJob(context.Background(), f.store, "missing")
	require.Error(t, err)

	f.submit(t, "bad-metric", runstore.JobParams{Metric: "hamming"})
	err = f.svc.ExecuteJob(context.Background(), f.store, "bad-metric")
	assert.ErrorIs(t, err, transfer.ErrConfiguration)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.submit(t, "cancelled", runstore.JobParams{})
	err = f.svc.ExecuteJob(ctx, f.store, "cancelled")
	assert.ErrorIs(t, err, context.Canceled)

	d, err := f.store.LoadDistance("cancelled")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestReportProgress_LogsStoreFailure(t *testing.T) {
	store, err := runstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reportProgress(store, logger, "job-1", PhaseComputing, 1)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, PhaseComputing, entry.Data["phase"])
	assert.Contains(t, entry.Data, logrus.ErrorKey)
}

func TestNewTransferService_RequiresLoaders(t *testing.T) {
	_, err := NewTransferService(TransferServiceConfig{})
	assert.ErrorIs(t, err, transfer.ErrConfiguration)
}
