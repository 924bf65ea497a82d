// Package app composes the realtime core into a Hub.
//
// The Hub accepts authenticated connections, routes their messages to the
// dispatcher, fans changes out through the broadcast engine and closes
// connections whose identity changed. Transports plug in from the adapters.
package app
