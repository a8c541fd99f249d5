// hotreloadctl signs and uploads an ELF32 module image to a running
// hotreloadd instance. Grounded on the teacher's flat flag-based main.go
// CLI shape.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/xyproto/env/v2"
)

func main() {
	var (
		server  = flag.String("server", env.Str("HOTRELOAD_SERVER", "http://127.0.0.1:8067"), "hotreloadd base URL")
		hmacHex = flag.String("hmac-key", env.Str("HOTRELOAD_HMAC_KEY", ""), "hex-encoded HMAC-SHA256 key")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: hotreloadctl [-server url] [-hmac-key hex] <module.elf>")
		os.Exit(1)
	}

	key, err := hex.DecodeString(*hmacHex)
	if err != nil || len(key) == 0 {
		fmt.Fprintln(os.Stderr, "error: -hmac-key must be a non-empty hex string")
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading %s: %v\n", args[0], err)
		os.Exit(1)
	}

	sum := sha256.Sum256(data)

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, *server+"/upload", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("X-Hotreload-SHA256", hex.EncodeToString(sum[:]))
	req.Header.Set("X-Hotreload-HMAC", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: upload failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", resp.Status, bytes.TrimSpace(body))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}
