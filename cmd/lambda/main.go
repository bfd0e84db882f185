package main

import (
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/guardian/support-admin-console-sub001/internal/lambda/handler"
)

// Global handler instance for reuse across warm starts
var h *handler.Handler

func init() {
	var err error
	h, err = handler.NewHandler()
	if err != nil {
		log.Fatalf("Failed to initialize handler: %v", err)
	}
}

func main() {
	lambda.Start(h.Handle)
}
