package config

import (
	parser "github.com/relaymta/relaymta/framework/cfgparser"
)

// Node is the parsed configuration tree type Map operates on.
type Node = parser.Node

func NodeErr(node Node, f string, args ...interface{}) error {
	return parser.NodeErr(node, f, args...)
}
