package mocks

import (
	"github.com/stretchr/testify/mock"
)

// MockReporter is a mock implementation of the console.Reporter interface
type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) AlreadyUp(target string) {
	m.Called(target)
}

func (m *MockReporter) Established(target string) {
	m.Called(target)
}

func (m *MockReporter) EstablishFailed(target string, err error) {
	m.Called(target, err)
}

func (m *MockReporter) AnomalyDetected(target string) {
	m.Called(target)
}

func (m *MockReporter) RepairIssued(target string, attempt int) {
	m.Called(target, attempt)
}

func (m *MockReporter) HandoffStarted(command string) {
	m.Called(command)
}
