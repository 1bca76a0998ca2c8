package materialize

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Result is the outcome of one Job.
type Result struct {
	Job     Job
	Success bool
	Error   error
	Output  *Output
	index   int // Internal: used to maintain result order
}

// Pool runs materialization jobs on a fixed number of worker goroutines.
type Pool struct {
	writer  *Writer
	workers int
	logger  *slog.Logger

	// OnComplete, when set, is called from worker goroutines after each job.
	OnComplete func(job Job, out *Output, err error)
}

// NewPool creates a pool with the given number of workers.
func NewPool(writer *Writer, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		writer:  writer,
		workers: workers,
		logger:  logger,
	}
}

// Execute runs all jobs and waits for them to finish. Results are returned in
// job order. Jobs not yet started when ctx is cancelled fail with ctx.Err().
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	if len(jobs) == 0 {
		return []Result{}
	}

	jobsChan := make(chan jobWithIndex, len(jobs))
	resultsChan := make(chan Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	for i, job := range jobs {
		jobsChan <- jobWithIndex{job: job, index: i}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Result, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

type jobWithIndex struct {
	job   Job
	index int
}

func (p *Pool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for jwi := range jobsChan {
		result := Result{Job: jwi.job, index: jwi.index}

		if err := ctx.Err(); err != nil {
			result.Error = err
			resultsChan <- result
			continue
		}

		out, err := p.writer.Write(ctx, jwi.job)
		result.Output = out
		if err != nil {
			result.Error = err
			p.logger.Error("materialize failed", "identity", jwi.job.Identity, "dest", jwi.job.Dest, "mode", jwi.job.Mode, "error", err)
		} else {
			result.Success = true
			p.logger.Debug("materialized file", "identity", jwi.job.Identity, "dest", jwi.job.Dest, "mode", jwi.job.Mode, "bytes", out.BytesWritten)
		}

		if p.OnComplete != nil {
			p.OnComplete(jwi.job, out, err)
		}
		resultsChan <- result
	}
}
