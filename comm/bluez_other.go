//go:build !linux

package comm

import (
	"context"
	"errors"
	"io"
)

var errNoBlueZ = errors.New("BlueZ profiles are only available on linux")

func DialBlueZ(context.Context, LinkConfig) (io.ReadWriteCloser, error) {
	return nil, errNoBlueZ
}

type RFCOMMListener struct{}

func ListenRFCOMM(string, int) (*RFCOMMListener, error) {
	return nil, errNoBlueZ
}

func (l *RFCOMMListener) Accept() (io.ReadWriteCloser, error) { return nil, errNoBlueZ }
func (l *RFCOMMListener) Close() error                        { return nil }
