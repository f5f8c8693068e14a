// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "github.com/google/uuid"

// FileType classifica a entrada sendo sincronizada.
type FileType byte

const (
	FileTypeDir FileType = iota
	FileTypeFile
	FileTypeSymlink
)

func (t FileType) String() string {
	switch t {
	case FileTypeDir:
		return "dir"
	case FileTypeFile:
		return "file"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// RequestKind identifica a operação carregada por um Request.
type RequestKind byte

const (
	KindCheck RequestKind = iota
	KindDelta
	KindContents
	KindRemove
	KindRename
)

func (k RequestKind) String() string {
	switch k {
	case KindCheck:
		return "check"
	case KindDelta:
		return "delta"
	case KindContents:
		return "contents"
	case KindRemove:
		return "remove"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// TransferKind identifica o tipo de payload carregado por um Transfer.
type TransferKind byte

const (
	TransferEmpty TransferKind = iota
	TransferContents
	TransferDelta
	TransferSignature
)

// Transfer carrega o payload opcional de um Request. FileSize e DataSize
// são ponteiros porque o protocolo os trata como campos opcionais:
// presentes em todo chunk Contents/Delta, ausentes em Check.
type Transfer struct {
	Kind     TransferKind
	Data     []byte
	Shasum   [32]byte
	FileSize *uint64
	DataSize *uint64

	// Compressed marks Data as pgzip-compressed. FileSize/DataSize always
	// carry the uncompressed byte count.
	Compressed bool
}

// ResponseKind identifica a variante de resposta.
type ResponseKind byte

const (
	RespOk ResponseKind = iota
	RespDifferent
	RespNeedContents
	RespCantHandle
)

func (k ResponseKind) String() string {
	switch k {
	case RespOk:
		return "ok"
	case RespDifferent:
		return "different"
	case RespNeedContents:
		return "need_contents"
	case RespCantHandle:
		return "cant_handle"
	default:
		return "unknown"
	}
}

// Request é o envelope enviado pelo sender a cada operação. NewPath só é
// significativo quando Kind == KindRename. Transfer é nil salvo em Check,
// Delta e Contents.
type Request struct {
	ID       uuid.UUID
	Path     string
	FileType FileType
	Kind     RequestKind
	NewPath  string
	Transfer *Transfer
}

// Response é a resposta do receiver a um Request. Seu ID deve sempre ecoar
// o ID do Request correspondente — o protocolo é estritamente pipelined,
// então isso é verificado como uma asserção defensiva, nunca usado para
// reordenar.
type Response struct {
	ID        uuid.UUID
	Kind      ResponseKind
	Signature []byte
	Reason    string
}
