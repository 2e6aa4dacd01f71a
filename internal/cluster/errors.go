package cluster

import "errors"

var errClusterRegisterRefused = errors.New("cluster: coordinator refused registration")
