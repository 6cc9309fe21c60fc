package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:9981", "node address")
	n := flag.Int("n", 5000, "messages to create")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "content size bytes")
	del := flag.Bool("delete", false, "tombstone every message after creating it")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	base := start.UnixMilli() * 1000
	ch := make(chan int, *conc)
	var failed atomic.Int64

	ops := 1
	if *del {
		ops = 2
	}

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			ts := base + int64(i)
			content := make([]byte, *valSize)
			for j := range content {
				content[j] = byte('a' + rand.IntN(26))
			}
			body, _ := json.Marshal(map[string]any{"timestamp": ts, "content": string(content)})
			if !send(client, http.MethodPost, *addr+"/message", body) {
				failed.Add(1)
				return
			}
			if *del {
				body, _ = json.Marshal(map[string]string{"key": fmt.Sprintf("message/%d", ts)})
				if !send(client, http.MethodDelete, *addr+"/message", body) {
					failed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	total := *n * ops
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed\n", total, dur, float64(total)/dur.Seconds(), failed.Load())

	resp, err := client.Get(*addr + "/messages")
	if err != nil {
		fmt.Println("list messages:", err)
		return
	}
	defer resp.Body.Close()
	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		fmt.Println("decode messages:", err)
		return
	}
	fmt.Printf("Node reports %d live messages\n", len(env.Data))
}

func send(client *http.Client, method, url string, body []byte) bool {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode/100 == 2
}
