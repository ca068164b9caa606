package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("raftnode", "a replicated event log server", NewService())
}
