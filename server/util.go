package server

import (
	"errors"
	"io"
	"net"
	"strconv"
)

func endpointKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
