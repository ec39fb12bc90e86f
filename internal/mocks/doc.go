// Package mocks provides shared testify mocks of the store and service
// interfaces.
//
// Usage:
//
//	manager := &mocks.MockTaskManager{}
//	manager.On("GetStatus", mock.Anything, 7, 42).Return(status, nil)
//	defer manager.AssertExpectations(t)
//
// Add a mock here when more than one package needs it; mocks used by a
// single package stay in that package's tests.
package mocks
