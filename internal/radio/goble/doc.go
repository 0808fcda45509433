// Package goble implements link.Adapter on top of go-ble.
//
// The adapter polls until the platform radio can be opened, scans with an
// advertised-service filter, and on connect discovers the GATT profile,
// subscribes to every notifying characteristic and writes frames to the
// first writable one.
package goble
