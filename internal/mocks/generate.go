// Package mocks provides gomock implementations of the core ports for service tests.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core JobRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core ReaperRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core CacheRepository

// Remote transports. Session tests need both the provider and the session it hands out.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=document_store_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core DocumentStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=session_provider_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core SessionProvider
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=session_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core Session
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_event_publisher_mock.go github.com/mrlancelot/fantastic-spork-sub001/internal/core JobEventPublisher
