// Package mocks contains gomock doubles for the interfaces the session components depend on.
package mocks

//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=notify_mock.go github.com/go-authgate/tokenkeeper/notify Notifier,ErrorReporter
