// Package file implements the File gateway.
package file
