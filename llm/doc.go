// Package llm provides a provider-agnostic LLM client. Adapters translate
// between the package's wire types and a concrete backend; the Client
// routes requests by provider name and applies middleware such as retry
// with exponential backoff.
//
// The loop package consumes this package through its Provider interface:
// Complete for batch completion, Stream for incremental deltas.
//
// Quick start:
//
//	adapter, _ := llm.NewGollmAdapter("anthropic")
//	client := llm.NewClient(
//	    llm.WithAdapter(adapter),
//	    llm.WithMiddleware(llm.RetryMiddleware(llm.DefaultRetryPolicy())),
//	)
//
//	resp, _ := client.Complete(ctx, llm.Request{
//	    Model:    "claude-sonnet-4-5-20250514",
//	    Messages: []llm.Message{llm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
package llm
