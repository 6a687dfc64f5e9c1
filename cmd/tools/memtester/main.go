package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/auth"
)

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type toolResult struct {
	Content []mcp.TextContent `json:"content"`
	IsError bool              `json:"isError"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	baseURL := flag.String("url", "ws://localhost:8080", "服务地址")
	client := flag.String("client", "memtester", "客户端名称")
	user := flag.String("user", "default_user", "用户 ID")
	tool := flag.String("tool", "", "要调用的工具名，留空则列出所有工具")
	args := flag.String("args", "{}", "工具参数 (JSON 对象)")
	apiKey := flag.String("key", os.Getenv("MEM0_MCP_API_KEY"), "API key，为空则不发送")
	header := flag.String("header", auth.DefaultHeader, "API key 请求头")
	timeout := flag.Duration("timeout", 30*time.Second, "请求超时时间")

	flag.Parse()

	if !json.Valid([]byte(*args)) {
		log.Fatalf("-args 不是合法 JSON: %s", *args)
	}

	url := fmt.Sprintf("%s/mcp/%s/ws/%s", strings.TrimRight(*baseURL, "/"), *client, *user)
	reqHeader := http.Header{}
	if *apiKey != "" {
		reqHeader.Set(*header, *apiKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	conn, resp, err := dialer.Dial(url, reqHeader)
	if err != nil {
		if resp != nil {
			log.Fatalf("连接失败: %v (status=%d)", err, resp.StatusCode)
		}
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	log.Printf("已连接 %s", url)

	deadline := time.Now().Add(*timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	initParams := fmt.Sprintf(`{"protocolVersion":%q,"clientInfo":{"name":%q,"version":"dev"}}`, mcp.LATEST_PROTOCOL_VERSION, *client)
	if _, err := call(conn, 1, "initialize", initParams); err != nil {
		log.Fatalf("initialize 失败: %v", err)
	}
	if err := notify(conn, "notifications/initialized"); err != nil {
		log.Fatalf("发送 initialized 通知失败: %v", err)
	}

	if *tool == "" {
		result, err := call(conn, 2, "tools/list", "{}")
		if err != nil {
			log.Fatalf("tools/list 失败: %v", err)
		}
		var list struct {
			Tools []mcp.Tool `json:"tools"`
		}
		if err := json.Unmarshal(result, &list); err != nil {
			log.Fatalf("解析工具列表失败: %v", err)
		}
		for _, t := range list.Tools {
			fmt.Printf("%-20s %s\n", t.Name, t.Description)
		}
		return
	}

	params := fmt.Sprintf(`{"name":%q,"arguments":%s}`, *tool, *args)
	start := time.Now()
	result, err := call(conn, 2, "tools/call", params)
	if err != nil {
		log.Fatalf("tools/call 失败: %v", err)
	}
	var out toolResult
	if err := json.Unmarshal(result, &out); err != nil {
		log.Fatalf("解析工具结果失败: %v", err)
	}

	log.Printf("工具 %s 调用完成, 耗时=%s", *tool, time.Since(start).Round(time.Millisecond))
	for _, c := range out.Content {
		fmt.Println(c.Text)
	}
}

// call 发送请求并等待对应 id 的响应。
func call(conn *websocket.Conn, id int, method, params string) (json.RawMessage, error) {
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, params)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	want := fmt.Sprint(id)
	for {
		var reply rpcReply
		if err := conn.ReadJSON(&reply); err != nil {
			return nil, fmt.Errorf("read %s reply: %w", method, err)
		}
		if string(reply.ID) != want {
			continue
		}
		if reply.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", reply.Error.Code, reply.Error.Message)
		}
		return reply.Result, nil
	}
}

func notify(conn *websocket.Conn, method string) error {
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q}`, method)
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}
