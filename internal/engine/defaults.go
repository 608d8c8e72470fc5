package engine

import "github.com/animus-labs/snippet-marshal/internal/domain"

func sh(script string) []string { return []string{"sh", "-c", script} }

// Defaults is the built-in catalog. Heavy toolchains ship disabled.
func Defaults() []Descriptor {
	list := []Descriptor{
		{Name: "python", Letter: "a", Language: "python", Filename: "main.py", Extension: "py", CommentPrefix: "#",
			Image: "python:3.12-alpine", Command: []string{"python3", "-I", "main.py"}, Enabled: true},
		{Name: "javascript", Letter: "b", Language: "javascript", Filename: "main.js", Extension: "js", CommentPrefix: "//",
			Image: "node:20-alpine", Command: []string{"node", "main.js"}, Enabled: true},
		{Name: "typescript", Letter: "c", Language: "typescript", Filename: "main.ts", Extension: "ts", CommentPrefix: "//",
			Image: "denoland/deno:alpine", Command: []string{"deno", "run", "--quiet", "--no-prompt", "main.ts"},
			Env: map[string]string{"DENO_DIR": "/work/.deno"}, Enabled: true},
		{Name: "rust", Letter: "d", Language: "rust", Filename: "main.rs", Extension: "rs", CommentPrefix: "//",
			Image: "rust:1-alpine", Command: sh("rustc -O -o main main.rs && ./main"), Enabled: true},
		{Name: "java", Letter: "e", Language: "java", Filename: "Main.java", Extension: "java", CommentPrefix: "//",
			Image: "eclipse-temurin:21-jdk-alpine", Command: []string{"java", "Main.java"}, Enabled: true},
		{Name: "swift", Letter: "f", Language: "swift", Filename: "main.swift", Extension: "swift", CommentPrefix: "//",
			Image: "swift:5.10-slim", Command: []string{"swift", "main.swift"}},
		{Name: "cpp", Letter: "g", Language: "cpp", Filename: "main.cpp", Extension: "cpp", CommentPrefix: "//",
			Image: "gcc:13", Command: sh("g++ -O2 -std=c++17 -o main main.cpp && ./main"), Enabled: true},
		{Name: "r", Letter: "h", Language: "r", Filename: "main.R", Extension: "R", CommentPrefix: "#",
			Image: "r-base:4.4.1", Command: []string{"Rscript", "--vanilla", "main.R"}, Enabled: true},
		{Name: "go", Letter: "i", Language: "go", Filename: "main.go", Extension: "go", CommentPrefix: "//",
			Image: "golang:1.25-alpine", Command: []string{"go", "run", "main.go"},
			Env: map[string]string{"GOCACHE": "/work/.cache", "GOPATH": "/work/.gopath", "GOFLAGS": "-mod=mod", "GOTOOLCHAIN": "local"}, Enabled: true},
		{Name: "ruby", Letter: "j", Language: "ruby", Filename: "main.rb", Extension: "rb", CommentPrefix: "#",
			Image: "ruby:3.3-alpine", Command: []string{"ruby", "main.rb"}, Enabled: true},
		{Name: "csharp", Letter: "k", Language: "csharp", Filename: "main.csx", Extension: "cs", CommentPrefix: "//",
			Image: "mcr.microsoft.com/dotnet/sdk:8.0", Command: []string{"dotnet", "script", "main.csx"}},
		{Name: "kotlin", Letter: "l", Language: "kotlin", Filename: "main.kt", Extension: "kt", CommentPrefix: "//",
			Image: "zenika/kotlin:1.9", Command: sh("kotlinc main.kt -include-runtime -d main.jar 2>/dev/null && java -jar main.jar")},
		{Name: "c", Letter: "m", Language: "c", Filename: "main.c", Extension: "c", CommentPrefix: "//",
			Image: "gcc:13", Command: sh("gcc -O2 -o main main.c && ./main"), Enabled: true},
		{Name: "bash", Letter: "n", Language: "bash", Filename: "main.sh", Extension: "sh", CommentPrefix: "#",
			Image: "bash:5.2", Command: []string{"bash", "main.sh"}, Enabled: true},
		{Name: "perl", Letter: "o", Language: "perl", Filename: "main.pl", Extension: "pl", CommentPrefix: "#",
			Image: "perl:5-slim", Command: []string{"perl", "main.pl"}, Enabled: true},
	}
	for i := range list {
		list[i].Workers = 2
		list[i].MaxSlots = domain.DefaultMaxSlots
	}
	return list
}
