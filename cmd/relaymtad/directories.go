package main

// ConfigDirectory is where the packaged config file lives by default.
const ConfigDirectory = "/etc/relaymtad"

// DefaultStateDirectory holds the on-disk queue when the config file
// does not set an absolute "location".
const DefaultStateDirectory = "/var/lib/relaymtad"
