package common

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoInterfaceFound = errors.New("could not find interface with that name")
)

func GetMacAddr(name string) (net.HardwareAddr, error) {
	ifa, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoInterfaceFound, name, err)
	}
	return ifa.HardwareAddr, nil
}

func GetMacMTU(name string) (int, error) {
	ifa, err := net.InterfaceByName(name)
	if err != nil {
		return -1, fmt.Errorf("%w: %s: %v", ErrNoInterfaceFound, name, err)
	}
	return ifa.MTU, nil
}
