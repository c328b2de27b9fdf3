// Package dbus implements the D-Bus gateway.
package dbus
