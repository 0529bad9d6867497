// Package mocks provides mock implementations for testing the taskd job engine.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for
// the repository ports in internal/core. To regenerate after interface
// changes, run:
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/clipforge/taskd/internal/core JobRepository

//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=repositories_mock.go github.com/clipforge/taskd/internal/core ReaperRepository,TenantRepository,WorkerRepository,CacheRepository
