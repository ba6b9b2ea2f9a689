package main

import (
	"github.com/vendora/payment-core/cmd"
)

func main() {
	cmd.Execute()
}
